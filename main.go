// Command crawlops runs the crawl orchestration engine.
package main

import "github.com/JakeFAU/crawlops/cmd"

func main() {
	cmd.Execute()
}
