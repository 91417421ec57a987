package pipeline

// Status codes exchanged between pipeline agents. They are three-digit
// strings: 2xx and 3xx let the turn continue, 4xx is a policy block and
// 5xx a processing failure.
const (
	CodeOK         = "200"
	CodeNewThread  = "300"
	CodeBranch     = "301"
	CodeContinue   = "310"
	CodeConcurrent = "311"
	CodeGreeting   = "330"
	CodeFarewell   = "331"
	CodeInhibited  = "403"
	CodeError      = "500"
)

// Blocks reports whether code stops the turn. A missing code counts as
// a processing failure.
func Blocks(code string) bool {
	if code == "" {
		code = CodeError
	}
	return code[0] == '4' || code[0] == '5'
}

// Class returns the leading digit of code ('2' for "200"), or 0 when
// the code is empty.
func Class(code string) byte {
	if code == "" {
		return 0
	}
	return code[0]
}
