package middleware

// fileMutationMethods are the ECP methods that change workspace files.
// Both the telemetry and governance middlewares scope to this set.
var fileMutationMethods = map[string]bool{
	"file/write":    true,
	"file/edit":     true,
	"file/create":   true,
	"file/delete":   true,
	"file/rename":   true,
	"file/move":     true,
	"document/save": true,
}

// terminalExecMethods are the ECP methods that run shell commands.
var terminalExecMethods = map[string]bool{
	"terminal/execute": true,
	"terminal/exec":    true,
	"terminal/run":     true,
}

// IsFileMutation reports whether method changes workspace files.
func IsFileMutation(method string) bool {
	return fileMutationMethods[method]
}

// IsTerminalExec reports whether method runs a shell command.
func IsTerminalExec(method string) bool {
	return terminalExecMethods[method]
}

// IsRename reports whether method moves a file, requiring both the old
// and the new path to pass policy checks.
func IsRename(method string) bool {
	return method == "file/rename" || method == "file/move"
}
