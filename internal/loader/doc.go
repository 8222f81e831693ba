/*
Package loader reads js/wasm modules and instantiates them on wazero.

Sources are local paths or http(s) URLs. Remote fetches retry through
go-retryablehttp and are guarded per host by a small circuit breaker. Gzip
compressed modules are recognised by content sniffing and inflated with
klauspost/compress. Every module is identified by its BLAKE2b-256 digest.

Instantiation creates one wazero runtime per instance, all sharing a compilation
cache, and exports the bridge's dispatch table as the "go" host module:

	ld, err := loader.New(loader.Config{CacheDir: dir}, logger)
	mod, err := ld.Load(ctx, "app.wasm.gz")
	inst, err := ld.Instantiate(ctx, mod, b.Imports())
	defer inst.Close(ctx)
	err = b.Run(ctx, inst)
*/
package loader
