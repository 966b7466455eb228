package engine

// Export-name conventions shared with guest toolchains.
const (
	// DefaultNamespace is the import module guests use for host functions.
	DefaultNamespace = "env"

	// BufferReleaseName is the host function a guest calls to drop a
	// transferred buffer. Attached automatically unless the export surface
	// claims the name itself.
	BufferReleaseName = "release-buffer"

	// CabiRealloc is the Component-Model-style guest allocator:
	// cabi_realloc(old, old_size, align, new_size) -> ptr.
	CabiRealloc = "cabi_realloc"

	// SimpleAlloc and SimpleFree are the plain allocator exports emitted by
	// most core-wasm toolchains.
	SimpleAlloc = "malloc"
	SimpleFree  = "free"
)
