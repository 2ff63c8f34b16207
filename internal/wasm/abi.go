package wasm

// Exports the merge module must provide.
//
// Pointers and lengths are uint32 because the module runs on 32-bit linear
// memory. Vector handles are module-side pointers to a boxed byte vector.
const (
	ExportStart           = "_start"
	ExportSelfCheck       = "return_one"
	ExportAllocBytes      = "vec_u8_with_capacity"
	ExportAllocCollection = "vec_vec_with_capacity"
	ExportCapacity        = "vec_capacity"
	ExportLength          = "vec_len"
	ExportBuffer          = "vec_buffer"
	ExportSetLength       = "vec_set_len"
	ExportReleaseBytes    = "vec_u8_drop"
	ExportMerge           = "jwl_merge"
	ExportReleaseResult   = "merge_result_drop"
)

// SelfCheckSentinel is what ExportSelfCheck returns from a correctly
// instantiated module.
const SelfCheckSentinel = 1

// Import namespaces and names the capability shim answers.
const (
	ModuleWASI = "wasi_snapshot_preview1"
	ModuleEnv  = "env"

	ImportRandomGet = "random_get"
	ImportFdPrestat = "fd_prestat_get"
	ImportFdFdstat  = "fd_fdstat_get"
	ImportPanic     = "js_console_panic"
	ImportTrace     = "js_console_trace"
	ImportProgress  = "js_merge_progress"
)

// WASI errno values returned by the shim.
const (
	errnoSuccess uint32 = 0
	errnoBadf    uint32 = 8
	errnoFault   uint32 = 21
)

// requiredExports are checked right after instantiation.
var requiredExports = []string{
	ExportStart,
	ExportSelfCheck,
	ExportAllocBytes,
	ExportAllocCollection,
	ExportCapacity,
	ExportLength,
	ExportBuffer,
	ExportSetLength,
	ExportReleaseBytes,
	ExportMerge,
	ExportReleaseResult,
}
