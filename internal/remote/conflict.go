package remote

import (
	"fmt"
	"path"
	"strings"
)

// ConflictPath returns the n-th rename candidate for p the way the hosted
// store names its conflicted copies: "/todo.txt" becomes "/todo (1).txt".
func ConflictPath(p string, n int) string {
	dir, file := path.Split(p)
	ext := path.Ext(file)
	base := strings.TrimSuffix(file, ext)
	return fmt.Sprintf("%s%s (%d)%s", dir, base, n, ext)
}

// MaxConflictCopies bounds the search for a free conflict path.
const MaxConflictCopies = 100
