package tools

const (
	ToolNameReadFile  = "read_file"
	ToolNameWriteFile = "write_file"
	ToolNameEditFile  = "edit_file"
	ToolNameApplyDiff = "apply_diff"
	ToolNameListDir   = "list_dir"
)
