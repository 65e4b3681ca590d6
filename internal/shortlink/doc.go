// Package shortlink wraps the text-format API of AdLinkFly-style URL
// shorteners. Verification links are passed through a shortener so the user
// visits the service before reaching the verification landing page.
package shortlink
