/*
Package randx generates the identifiers used across the server and the client:
connection ids, message ids, and acknowledgment ids.
*/
package randx

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

const (
	// Base62Chars defines the character set used for Base62 encoding (0-9, A-Z, a-z).
	Base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// Base62Len is the total number of characters in the Base62 character set (62).
	Base62Len = int64(len(Base62Chars))

	// connectionPrefix marks connection ids in logs.
	connectionPrefix = "c_"
)

// MessageID generates a UUID v4 string identifying a chat message.
func MessageID() string {
	return uuid.New().String()
}

// ConnectionID generates an opaque identifier for one transport session.
func ConnectionID() string {
	return connectionPrefix + uuid.New().String()
}

// AckID generates a short Base62 id correlating a frame with its acknowledgment.
// It falls back to a UUID if the system random source fails.
func AckID() string {
	s, err := Base62(12)
	if err != nil {
		return uuid.New().String()
	}
	return s
}

// Base62 returns n characters drawn uniformly from Base62Chars using crypto/rand.
func Base62(n int) (string, error) {
	result := make([]byte, n)

	for i := range n {
		num, err := rand.Int(rand.Reader, big.NewInt(Base62Len))
		if err != nil {
			return "", fmt.Errorf("failed to generate random number: %v", err)
		}
		result[i] = Base62Chars[num.Int64()]
	}

	return string(result), nil
}

// IsUUID reports whether s is a canonical UUID string.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
