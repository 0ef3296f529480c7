// ABOUTME: RFC 5322 message rendering for scheduled and immediate sends.
// ABOUTME: Builds headers, threading references, and the inline body via go-message.

package outbound

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/inboxkit/mailagent/internal/store"
)

// BuildMessage renders the job as a raw RFC 5322 message from the given
// sender address. It returns the raw bytes and the generated Message-ID.
func BuildMessage(fromAddr string, job *store.ScheduledJob) ([]byte, string, error) {
	var buf bytes.Buffer

	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(job.Subject)
	header.SetAddressList("From", []*mail.Address{{Address: fromAddr}})
	header.SetAddressList("To", addressList(job.To))
	if len(job.Cc) > 0 {
		header.SetAddressList("Cc", addressList(job.Cc))
	}
	// Bcc recipients go to the SMTP envelope only, never into headers.

	if job.InReplyTo != "" {
		header.SetMsgIDList("In-Reply-To", []string{trimMsgID(job.InReplyTo)})
	}
	if len(job.References) > 0 {
		refs := make([]string, len(job.References))
		for i, r := range job.References {
			refs[i] = trimMsgID(r)
		}
		header.SetMsgIDList("References", refs)
	}

	messageID := GenerateMessageID(fromAddr)
	header.Set("Message-ID", messageID)

	iw, err := mail.CreateInlineWriter(&buf, header)
	if err != nil {
		return nil, "", fmt.Errorf("creating message writer: %w", err)
	}

	var h mail.InlineHeader
	if job.HTML {
		h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	} else {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	}
	w, err := iw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("creating body part: %w", err)
	}
	if _, err := w.Write([]byte(job.Body)); err != nil {
		return nil, "", fmt.Errorf("writing body: %w", err)
	}
	w.Close()

	if err := iw.Close(); err != nil {
		return nil, "", fmt.Errorf("finishing message: %w", err)
	}

	return buf.Bytes(), messageID, nil
}

func addressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = &mail.Address{Address: a}
	}
	return out
}

// trimMsgID strips angle brackets; go-message adds them back when formatting.
func trimMsgID(s string) string {
	return strings.Trim(strings.TrimSpace(s), "<>")
}

// GenerateMessageID produces an RFC 5322 compliant Message-ID using the
// domain extracted from the sender's email address.
// Format: <timestamp.random@domain>
func GenerateMessageID(fromAddr string) string {
	domain := "localhost"
	if idx := strings.Index(fromAddr, "@"); idx >= 0 {
		domain = fromAddr[idx+1:]
	}

	b := make([]byte, 8)
	rand.Read(b)

	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), hex.EncodeToString(b), domain)
}
