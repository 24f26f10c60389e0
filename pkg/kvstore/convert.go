package kvstore

import (
	"fmt"
	"strconv"
)

func parseInt(key, v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kvstore: key %s is not an integer: %w", key, err)
	}
	return n, nil
}

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }
