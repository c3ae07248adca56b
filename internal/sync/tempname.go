package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// maxTempNameAttempts caps the numeric suffixes tried for one filename.
const maxTempNameAttempts = 1000

// ErrTempNameExhausted is returned when no free staging name was found
// within maxTempNameAttempts suffixes.
var ErrTempNameExhausted = errors.New("sync: temp filename candidates exhausted")

// allocateTempName returns a staging filename not used by any record. It
// starts from the original name and appends _1, _2, ... before the
// extension until a free name is found. Runs inside the caller's
// transaction so the check and the insert are atomic.
func (t *ledgerTx) allocateTempName(ctx context.Context, original string) (string, error) {
	for n := 0; n <= maxTempNameAttempts; n++ {
		candidate := tempNameCandidate(original, n)

		used, err := t.tempNameInUse(ctx, candidate)
		if err != nil {
			return "", err
		}

		if !used {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: %q after %d attempts", ErrTempNameExhausted, original, maxTempNameAttempts)
}

// tempNameCandidate returns the n-th candidate for name: name itself for
// n == 0, otherwise stem_n.ext. Dotfiles such as ".env" have no extension
// for this purpose.
func tempNameCandidate(name string, n int) string {
	if n == 0 {
		return name
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	if stem == "" {
		stem, ext = name, ""
	}

	return stem + "_" + strconv.Itoa(n) + ext
}
