package jwtmint

import "encoding/base64"

// urlSafeB64Encode / urlSafeB64Decode match
// original_source/app/utils/crypto.py's url_safe_b64encode/url_safe_b64decode:
// standard URL-safe base64 with padding stripped/restored by hand rather than
// relying on base64.RawURLEncoding, so the padding behavior stays an
// explicit, auditable step next to kqEncode below.
func urlSafeB64Encode(data []byte) string {
	encoded := base64.URLEncoding.EncodeToString(data)
	for len(encoded) > 0 && encoded[len(encoded)-1] == '=' {
		encoded = encoded[:len(encoded)-1]
	}
	return encoded
}

func urlSafeB64Decode(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += string(make([]byte, 4-m, 4-m))
		padded := []byte(s)
		for i := len(padded) - (4 - m); i < len(padded); i++ {
			padded[i] = '='
		}
		s = string(padded)
	}
	return base64.URLEncoding.DecodeString(s)
}

// kqEncode implements the legacy "kq" byte encoding (spec §4.E step 6): for
// each UTF-16 code unit c, emit c&0xFF first and, if c>255, emit c>>8 next.
// This is the same JSON-string -> byte-buffer transform Upstream's own
// JavaScript client used historically (it iterates a JS string, whose code
// units are UTF-16), so header/payload/signature all go through it before
// base64url encoding.
func kqEncode(s string) []byte {
	units := utf16CodeUnits(s)
	out := make([]byte, 0, len(units)*2)
	for _, c := range units {
		out = append(out, byte(c&0xFF))
		if c > 255 {
			out = append(out, byte(c>>8))
		}
	}
	return out
}

// utf16CodeUnits converts a Go string (UTF-8) into its UTF-16 code units,
// matching what a JavaScript engine sees when indexing the same string.
func utf16CodeUnits(s string) []uint16 {
	units := make([]uint16, 0, len(s))
	for _, r := range s {
		if r <= 0xFFFF {
			units = append(units, uint16(r))
			continue
		}
		r -= 0x10000
		units = append(units, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
	}
	return units
}

// decodeXsrfToken decodes the xsrfToken returned by /auth/getoxsrf into the
// HMAC key bytes (original_source's decode_xsrf_token).
func decodeXsrfToken(xsrfToken string) ([]byte, error) {
	return urlSafeB64Decode(xsrfToken)
}
