// Package search matches free-text queries against the indexed file names.
//
// A query is normalized the same way file names are, and every word must
// appear in the name. When that finds nothing and spell-check is enabled the
// searcher retries common misspellings (digit-for-letter substitutions,
// words typed apart) and finally compares words by edit distance.
package search
