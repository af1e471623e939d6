// Package digest computes the content hashes clients use to detect changed
// users, chats and member records without downloading them.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"messenger-backend/internal/storage"
)

// Domain prefixes keep hashes of different entity kinds apart. The version
// suffix changes whenever the hashed projection changes.
const (
	DomainUser   = "messenger/user/v1"
	DomainChat   = "messenger/chat/v1"
	DomainMember = "messenger/member/v1"
)

type object map[string]any

// User hashes the visible projection of a user: username and profile.
func User(u storage.UserRow) string {
	return hashObject(DomainUser, object{
		"username":    u.Username,
		"displayName": u.DisplayName,
		"bio":         u.Bio,
		"avatar":      u.Avatar,
	})
}

// Chat hashes type, creator, title and avatar. A chat without info hashes
// differently from one whose title is empty.
func Chat(c storage.ChatSummary) string {
	obj := object{
		"type":    c.Chat.Type,
		"creator": nil,
		"info":    nil,
	}
	if !c.Chat.IsDialog() && c.Chat.CreatorID > 0 {
		obj["creator"] = c.Chat.CreatorID
	}
	if c.Info != nil {
		obj["info"] = object{
			"title":  c.Info.Title,
			"avatar": c.Info.Avatar,
		}
	}
	return hashObject(DomainChat, obj)
}

// Member hashes the effective member info: nickname and role.
func Member(m storage.MemberInfoRow) string {
	return hashObject(DomainMember, object{
		"nickname": m.Nickname,
		"role":     string(m.Role),
	})
}

func hashObject(domain string, obj object) string {
	var buf bytes.Buffer
	writeCanonical(&buf, obj)
	return hashWithDomain(domain, buf.Bytes())
}

// hashWithDomain computes SHA256(domain || 0x00 || data) as hex.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// writeCanonical writes v as canonical JSON: sorted keys, strings as stored
// (the store keeps them in NFC), no HTML escaping. Byte slices are written as base64 strings and a nil slice
// or pointer as null.
func writeCanonical(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		writeString(buf, val)
	case *string:
		if val == nil {
			buf.WriteString("null")
			return
		}
		writeString(buf, *val)
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case []byte:
		if val == nil {
			buf.WriteString("null")
			return
		}
		writeString(buf, base64.StdEncoding.EncodeToString(val))
	case object:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			writeCanonical(buf, val[k])
		}
		buf.WriteByte('}')
	default:
		panic(fmt.Sprintf("digest: unsupported type %T", v))
	}
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
}
