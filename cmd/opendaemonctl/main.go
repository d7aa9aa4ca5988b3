// Command opendaemonctl is the CLI client for opendaemon.
package main

import "github.com/opendaemon/opendaemon/cmd/opendaemonctl/cmd"

func main() {
	cmd.Execute()
}
