package collyfetcher

import (
	"fmt"
	"strings"
)

const minCipherLen = 10

// Cipher normalizes a job link or bare cipher to the "~0..." form used by the job API.
func Cipher(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("empty target")
	}
	path := target
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	last := path[strings.LastIndex(path, "/")+1:]
	if strings.HasPrefix(last, "~") {
		return last, nil
	}
	for _, sep := range []string{"_%7E", "_~"} {
		if i := strings.LastIndex(path, sep); i >= 0 {
			cipher := "~" + path[i+len(sep):]
			if len(cipher) > minCipherLen {
				return cipher, nil
			}
		}
	}
	return "", fmt.Errorf("unparsable cipher %q", target)
}
