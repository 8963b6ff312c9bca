package runtime

// Hand-encoded minimal WASM MVP binaries used as test fixtures. Both
// declare one zero-arg/zero-result function exported as "_start":
// noopModule's body is just `end` (a clean exit), trapModule's body is
// `unreachable end` (a deterministic trap). Encoding reference: WASM
// binary format section IDs 1=Type, 3=Function, 7=Export, 10=Code.

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

var typeSection = []byte{0x01, 0x04, 0x01, 0x60, 0x00, 0x00}     // one func type: () -> ()
var funcSection = []byte{0x03, 0x02, 0x01, 0x00}                 // one function, using type 0
var exportSection = []byte{ // export func 0 as "_start"
	0x07, 0x0a, 0x01,
	0x06, '_', 's', 't', 'a', 'r', 't',
	0x00, 0x00,
}

func codeSection(body ...byte) []byte {
	// body already includes the leading local-decl-count byte.
	entry := append([]byte{byte(len(body))}, body...)
	content := append([]byte{0x01}, entry...)
	return append([]byte{0x0a, byte(len(content))}, content...)
}

func concatBytes(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func noopModule() []byte {
	body := []byte{0x00, 0x0b} // 0 locals, end
	return concatBytes(wasmHeader, typeSection, funcSection, exportSection, codeSection(body...))
}

func trapModule() []byte {
	body := []byte{0x00, 0x00, 0x0b} // 0 locals, unreachable, end
	return concatBytes(wasmHeader, typeSection, funcSection, exportSection, codeSection(body...))
}

func emptyModuleNoEntry() []byte {
	// Valid module with no sections past the header at all: compiles
	// and instantiates but exports nothing, so Wait has no "_start" to
	// call and reports a clean exit immediately.
	return concatBytes(wasmHeader)
}
