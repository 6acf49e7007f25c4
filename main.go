// The main package for the wayback executable.
package main

import (
	"github.com/JakeFAU/wayback-retriever/cmd"
)

func main() {
	cmd.Execute()
}
