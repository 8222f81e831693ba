// Package modules keeps the catalog of wasm modules a server may run.
//
// The catalog is a directory tree. Files whose slash-separated path relative
// to the root matches a doublestar pattern are modules, named by that relative
// path. DefaultPattern admits .wasm and .wasm.gz files at any depth. Listing
// walks the tree with fastwalk; resolving a name never leaves the root and
// refuses anything the pattern does not admit.
package modules
