// Command requestgate runs the request security gate in front of a demo
// application and manages its block list and security log offline.
package main

import "github.com/giantswarm/requestgate/cmd/requestgate/commands"

func main() {
	commands.Execute()
}
