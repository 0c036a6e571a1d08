package utils

import (
	"os"
	"path/filepath"
	"strings"
)

func GetEnv(name string, def string) string {
	val := os.Getenv(name)
	if len(val) > 0 {
		return val
	} else {
		return def
	}
}

// PathSplit splits the given path into its directory ("head") and final element ("tail").
//
// Unlike filepath.Split, the head never carries a trailing separator, and the head of a
// bare file name is the empty string.
func PathSplit(path string) (head string, tail string) {
	idx := strings.LastIndex(path, string(filepath.Separator))
	if idx < 0 {
		return "", path
	}

	return path[:idx], path[idx+1:]
}

// Truncate shortens s to at most n bytes, replacing the tail with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}

	return s[:n-3] + "..."
}

// TruncateMiddle shortens s to at most n bytes by eliding its middle, which keeps both the
// beginning and the end of long log payloads readable.
func TruncateMiddle(s string, n int) string {
	if n <= 5 || len(s) <= n {
		return s
	}

	keep := n - 5
	front := keep/2 + keep%2
	back := keep / 2

	return s[:front] + " ... " + s[len(s)-back:]
}
