// Package wiki resolves localized article titles and fetches article markup,
// summaries, media and structured facts from the Wikipedia and Wikidata APIs.
//
// All calls go through the resilient HTTP client. Missing or malformed upstream
// data comes back as empty values; only transient failures surface as errors.
package wiki
