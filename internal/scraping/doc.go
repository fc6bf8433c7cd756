// Package scraping talks to the paid rendering provider. It issues single
// tier requests, escalates blocked requests through the proxy tiers, runs the
// desktop and mobile captures side by side and estimates credit spend.
package scraping
