package agent

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cuemby/wormhole/pkg/wherr"
)

const shadowUser = "root"

const md5cryptAlphabet = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// setAdminPassword decodes the orchestrator-supplied base64 password,
// reads /etc/shadow through the driver, rewrites the root line with a
// freshly salted $1$ MD5-crypt hash, and writes the file back.
// There is no DES-crypt fallback: no legacy-libc-crypt library exists
// anywhere in the retrieval pack this agent was built against.
func (a *Agent) setAdminPassword(ctx context.Context, adminPasswordB64 string) error {
	plaintext, err := base64.StdEncoding.DecodeString(adminPasswordB64)
	if err != nil {
		return wherr.Wrap(wherr.KindValidation, "decode admin_password", err)
	}

	shadow, err := a.driver.ReadFile(ctx, a.containerName, "/etc/shadow")
	if err != nil {
		return wherr.Wrap(wherr.KindBackendFailure, "read /etc/shadow", err)
	}

	salt, err := randomSalt(8)
	if err != nil {
		return wherr.Wrap(wherr.KindUnexpected, "generate salt", err)
	}
	hash := md5crypt(plaintext, salt)

	rewritten, err := rewriteShadowLine(shadow, shadowUser, hash)
	if err != nil {
		return err
	}

	if err := a.driver.InjectFile(ctx, a.containerName, "/etc/shadow", rewritten); err != nil {
		return wherr.Wrap(wherr.KindInjectFailed, "write /etc/shadow", err)
	}
	return nil
}

// rewriteShadowLine replaces the password field (2nd colon-delimited
// field) of the line belonging to user, leaving every other field and
// every other line untouched.
func rewriteShadowLine(shadow, user, hash string) (string, error) {
	lines := strings.Split(shadow, "\n")
	found := false
	for i, line := range lines {
		fields := strings.Split(line, ":")
		if len(fields) < 2 || fields[0] != user {
			continue
		}
		fields[1] = hash
		lines[i] = strings.Join(fields, ":")
		found = true
		break
	}
	if !found {
		return "", wherr.New(wherr.KindNotFound, fmt.Sprintf("no shadow entry for user %s", user))
	}
	return strings.Join(lines, "\n"), nil
}

func randomSalt(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	salt := make([]byte, n)
	for i, b := range raw {
		salt[i] = md5cryptAlphabet[int(b)%len(md5cryptAlphabet)]
	}
	return string(salt), nil
}

// md5crypt implements the classic $1$ password hash (Poul-Henning Kamp's
// algorithm, as shipped by glibc/FreeBSD crypt(3)), since no md5crypt
// package exists anywhere in the retrieval pack this agent was built
// against.
func md5crypt(password []byte, salt string) string {
	const magic = "$1$"
	saltBytes := []byte(salt)

	h2 := md5.New()
	h2.Write(password)
	h2.Write(saltBytes)
	h2.Write(password)
	alt := h2.Sum(nil)

	h1 := md5.New()
	h1.Write(password)
	h1.Write([]byte(magic))
	h1.Write(saltBytes)
	for pl := len(password); pl > 0; pl -= 16 {
		n := 16
		if pl < 16 {
			n = pl
		}
		h1.Write(alt[:n])
	}
	for i := len(password); i != 0; i >>= 1 {
		if i&1 != 0 {
			h1.Write([]byte{0})
		} else {
			h1.Write(password[:1])
		}
	}
	digest := h1.Sum(nil)

	for i := 0; i < 1000; i++ {
		h := md5.New()
		if i&1 != 0 {
			h.Write(password)
		} else {
			h.Write(digest)
		}
		if i%3 != 0 {
			h.Write(saltBytes)
		}
		if i%7 != 0 {
			h.Write(password)
		}
		if i&1 != 0 {
			h.Write(digest)
		} else {
			h.Write(password)
		}
		digest = h.Sum(nil)
	}

	var sb strings.Builder
	sb.WriteString(magic)
	sb.WriteString(salt)
	sb.WriteString("$")

	groups := [5][3]int{{0, 6, 12}, {1, 7, 13}, {2, 8, 14}, {3, 9, 15}, {4, 10, 5}}
	for _, g := range groups {
		encode24(&sb, digest[g[0]], digest[g[1]], digest[g[2]], 4)
	}
	encode24(&sb, 0, 0, digest[11], 2)

	return sb.String()
}

// encode24 packs three bytes big-endian and emits n base64-alphabet
// characters least-significant-6-bits-first, the bit layout md5crypt uses.
func encode24(sb *strings.Builder, b2, b1, b0 byte, n int) {
	v := uint32(b2)<<16 | uint32(b1)<<8 | uint32(b0)
	for i := 0; i < n; i++ {
		sb.WriteByte(md5cryptAlphabet[v&0x3f])
		v >>= 6
	}
}
