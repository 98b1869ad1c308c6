package atomizer

import (
	"bytes"
	"path/filepath"
	"strings"
)

var extTypes = map[string]ContentType{
	".go": Code, ".py": Code, ".js": Code, ".jsx": Code, ".ts": Code, ".tsx": Code,
	".mjs": Code, ".cjs": Code, ".java": Code, ".kt": Code, ".kts": Code, ".scala": Code,
	".c": Code, ".h": Code, ".cc": Code, ".cpp": Code, ".cxx": Code, ".hpp": Code,
	".cs": Code, ".rs": Code, ".rb": Code, ".php": Code, ".swift": Code, ".m": Code,
	".sh": Code, ".bash": Code, ".zsh": Code, ".ps1": Code, ".lua": Code, ".pl": Code,
	".sql": Code, ".r": Code, ".jl": Code, ".dart": Code, ".ex": Code, ".exs": Code,
	".toml": Code, ".yaml": Code, ".yml": Code, ".proto": Code, ".tf": Code,

	".md": Prose, ".markdown": Prose, ".txt": Prose, ".rst": Prose, ".adoc": Prose,
	".org": Prose, ".html": Prose, ".htm": Prose, ".tex": Prose,

	".log": Log, ".chat": Log, ".transcript": Log, ".jsonl": Log,
}

// hashComment lists extensions whose line comments start with '#'.
var hashComment = map[string]bool{
	".py": true, ".rb": true, ".sh": true, ".bash": true, ".zsh": true, ".pl": true,
	".r": true, ".jl": true, ".toml": true, ".yaml": true, ".yml": true, ".ps1": true,
	".ex": true, ".exs": true, ".tf": true,
}

var codeKeywords = [][]byte{
	[]byte("func "), []byte("def "), []byte("class "), []byte("import "), []byte("return "),
	[]byte("package "), []byte("#include"), []byte("const "), []byte("var "), []byte("let "),
	[]byte("fn "), []byte("struct "), []byte("public "), []byte("function "),
}

// Detect guesses the content type from the file extension, then from the
// content: mostly speaker/timestamp lines means log, a high density of code
// punctuation and keywords means code, anything else is prose.
func Detect(path string, content []byte) ContentType {
	if ct, ok := extTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}

	starts := lines(content)
	var nonBlank, turns, codeish int
	for i := range starts {
		line := lineAt(content, starts, i)
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		nonBlank++
		if isTurnStart(string(line)) {
			turns++
		}
		last := trimmed[len(trimmed)-1]
		if last == '{' || last == '}' || last == ';' || last == ')' {
			codeish++
			continue
		}
		for _, kw := range codeKeywords {
			if bytes.HasPrefix(trimmed, kw) {
				codeish++
				break
			}
		}
	}
	if nonBlank == 0 {
		return Prose
	}
	switch {
	case turns*3 >= nonBlank && turns >= 2:
		return Log
	case codeish*3 >= nonBlank && codeish >= 2:
		return Code
	default:
		return Prose
	}
}
