package quantization

// Method identifies a quantization algorithm. The set of identifiers is
// stable and public.
type Method string

const (
	// MethodINT8 is direct 8-bit linear quantization.
	MethodINT8 Method = "int8"
	// MethodINT4 is direct 4-bit linear quantization.
	MethodINT4 Method = "int4"
	// MethodGPTQ is calibrated 4-bit quantization minimising layer-wise
	// reconstruction error.
	MethodGPTQ Method = "gptq"
	// MethodAWQ is activation-aware 4-bit quantization with zero points.
	MethodAWQ Method = "awq"
)

var supportedMethods = []Method{MethodINT8, MethodINT4, MethodGPTQ, MethodAWQ}

// SupportedMethods returns the supported methods in a stable order.
func SupportedMethods() []Method {
	return append([]Method(nil), supportedMethods...)
}

// IsSupported reports whether m is a supported method.
func IsSupported(m Method) bool {
	for _, s := range supportedMethods {
		if s == m {
			return true
		}
	}
	return false
}

// ParseMethod converts s into a Method. Matching is exact; "INT8" is
// rejected just like any misspelling.
func ParseMethod(s string) (Method, error) {
	m := Method(s)
	if !IsSupported(m) {
		return "", &UnsupportedMethodError{Method: s}
	}
	return m, nil
}

// String implements Stringer.String for Method.
func (m Method) String() string {
	return string(m)
}

// Calibrated reports whether m fits its scales to a calibration corpus.
func (m Method) Calibrated() bool {
	return m == MethodGPTQ || m == MethodAWQ
}
