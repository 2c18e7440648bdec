// Command metafield runs the metadata field value and approval engine.
package main

import "github.com/mesh-intelligence/metafield/internal/cli"

func main() {
	cli.Execute()
}
