// Package crawler holds the shared vocabulary of the crawl engine: queue
// entry and challenge types, the error taxonomy, failure classification,
// retry math, URL scoping helpers, and the robots.txt policy consulted
// before each capture.
package crawler
