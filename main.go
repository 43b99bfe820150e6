// The main package for the topic-crawler executable.
package main

import (
	"github.com/JakeFAU/rss-topic-crawler/cmd"
)

func main() {
	cmd.Execute()
}
