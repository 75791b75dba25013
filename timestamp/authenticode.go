package timestamp

import (
	"bytes"
	"context"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"

	"github.com/avast/retry-go/v4"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mozilla.org/pkcs7"

	"github.com/coldforge/authenticode/cms"
)

// defaultAuthenticodeURL is the historical default legacy timestamp
// authority Authenticode tooling has shipped with.
const defaultAuthenticodeURL = "http://timestamp.comodoca.com/authenticode"

var (
	oidSpcTimeStampRequest = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 3, 2, 1}
	oidCounterSignature    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 6}
	oidData                = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
)

// timeStampRequest is the legacy Authenticode timestamp request envelope:
// an SPC_TIME_STAMP_REQUEST wrapping the primary signer's encrypted digest
// as an id-data ContentInfo.
type timeStampRequest struct {
	Type asn1.ObjectIdentifier
	Blob cms.ContentInfo
}

// Timestamper implements the legacy (PKCS#7/base64) Authenticode
// timestamp protocol.
type Timestamper struct {
	URL    string
	Client *http.Client
	Logger *log.Helper
}

// NewTimestamper constructs a Timestamper. An empty url selects
// defaultAuthenticodeURL; a nil client selects http.DefaultClient.
func NewTimestamper(url string, client *http.Client, logger log.Logger) *Timestamper {
	if url == "" {
		url = defaultAuthenticodeURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.NewStdLogger(io.Discard)
	}
	return &Timestamper{URL: url, Client: client, Logger: log.NewHelper(logger)}
}

// Timestamp implements Strategy.
func (t *Timestamper) Timestamp(ctx context.Context, algo HashAlgorithm, primary *cms.SignedData) (*cms.SignedData, error) {
	if len(primary.SignerInfos) != 1 {
		return nil, errors.New("timestamp: primary signed-data must carry exactly one signer")
	}
	encryptedDigest := primary.SignerInfos[0].Signature

	blobContent, err := asn1.Marshal(encryptedDigest)
	if err != nil {
		return nil, errors.Wrap(err, "timestamp: encode blob content")
	}
	req := timeStampRequest{
		Type: oidSpcTimeStampRequest,
		Blob: cms.ContentInfo{
			ContentType: oidData,
			Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: blobContent},
		},
	}
	reqDER, err := asn1.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "timestamp: encode request")
	}
	body := []byte(base64.StdEncoding.EncodeToString(reqDER))

	correlationID := uuid.New().String()

	var respBody []byte
	err = retry.Do(
		func() error {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			httpReq.Header.Set("Content-Type", "application/octet-stream")

			t.Logger.Debugf("authenticode timestamp request id=%s url=%s", correlationID, t.URL)
			resp, err := t.Client.Do(httpReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return retry.Unrecoverable(fmt.Errorf("timestamp: server returned %d", resp.StatusCode))
				}
				return fmt.Errorf("timestamp: server returned %d", resp.StatusCode)
			}

			t.Logger.Debugf("authenticode timestamp response id=%s status=%d", correlationID, resp.StatusCode)
			respBody = data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return nil, errors.Wrap(err, "timestamp: authenticode request failed")
	}

	tokenDER, err := base64.StdEncoding.DecodeString(string(respBody))
	if err != nil {
		return nil, errors.Wrap(err, "timestamp: decode base64 response")
	}

	if _, err := pkcs7.Parse(tokenDER); err != nil {
		return nil, errors.Wrap(err, "timestamp: response is not a valid PKCS7 SignedData")
	}

	return cms.AddUnsignedAttribute(primary, oidCounterSignature, asn1.RawValue{FullBytes: tokenDER})
}
