/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Tolerance bounds how far a signed timestamp may drift from the verifier's
// clock before the signature is rejected as a replay.
const Tolerance = 300 * time.Second

// Signature computes the signature header value for a payload: v1= followed
// by the hex HMAC-SHA256 of "<timestamp>.<payload>" under the secret.
func Signature(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature for a received body and compares it in
// constant time against the presented header, rejecting stale timestamps.
// Receivers embed this; the test suite uses it for the round-trip property.
func Verify(secret, timestampHeader string, body []byte, signatureHeader string, now time.Time) error {
	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing signature timestamp, %w", err)
	}
	drift := now.UTC().Sub(time.Unix(timestamp, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > Tolerance {
		return fmt.Errorf("signature timestamp outside the %s tolerance", Tolerance)
	}
	expected := Signature(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
