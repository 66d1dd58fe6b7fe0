// Command kdcd serves Kerberos AS exchanges for a single realm.
package main

import "github.com/kardianos/gokdc/cmd/kdcd/internal/cmd"

func main() {
	cmd.Execute()
}
