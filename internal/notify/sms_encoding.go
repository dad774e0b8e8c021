package notify

import (
	"strings"
	"unicode/utf16"
)

// GSM 03.38 default alphabet. Characters in gsm7Extension are sent through
// the escape table and take two septets.
const (
	gsm7Basic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
		"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"
	gsm7Extension = "^{}\\[~]|€\f"
)

// A single segment carries 160 GSM-7 septets or 70 UCS-2 code units.
const (
	gsm7SegmentLength = 160
	ucs2SegmentLength = 70
)

// smsEncoding is the character encoding a gateway will pick for a body.
type smsEncoding string

const (
	encodingGSM7 smsEncoding = "gsm7"
	encodingUCS2 smsEncoding = "ucs2"
)

// detectSMSEncoding returns GSM-7 when every character is in the default
// alphabet or its extension table, UCS-2 otherwise.
func detectSMSEncoding(s string) smsEncoding {
	for _, r := range s {
		if !strings.ContainsRune(gsm7Basic, r) && !strings.ContainsRune(gsm7Extension, r) {
			return encodingUCS2
		}
	}
	return encodingGSM7
}

func (e smsEncoding) width(r rune) int {
	if e == encodingGSM7 {
		if strings.ContainsRune(gsm7Extension, r) {
			return 2
		}
		return 1
	}
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// length is s measured in the encoding's units.
func (e smsEncoding) length(s string) int {
	n := 0
	for _, r := range s {
		n += e.width(r)
	}
	return n
}

// smsLimit scales a GSM-7 budget to the body's encoding: 160 becomes 70.
func smsLimit(enc smsEncoding, maxLength int) int {
	if enc == encodingGSM7 {
		return maxLength
	}
	return maxLength * ucs2SegmentLength / gsm7SegmentLength
}

// fitSMS limits body to maxLength GSM-7 septets, or the UCS-2 equivalent
// when the body needs UCS-2, marking a cut with "...".
func fitSMS(body string, maxLength int) string {
	enc := detectSMSEncoding(body)
	limit := smsLimit(enc, maxLength)
	if enc.length(body) <= limit {
		return body
	}

	const ellipsis = "..."
	budget := limit - len(ellipsis)
	suffix := ellipsis
	if budget <= 0 {
		budget, suffix = limit, ""
	}

	var b strings.Builder
	used := 0
	for _, r := range body {
		w := enc.width(r)
		if used+w > budget {
			break
		}
		b.WriteRune(r)
		used += w
	}
	if suffix == "" {
		return b.String()
	}
	return strings.TrimSpace(b.String()) + suffix
}
