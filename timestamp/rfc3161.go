package timestamp

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/avast/retry-go/v4"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/coldforge/authenticode/cms"
)

const defaultRFC3161URL = "http://timestamp.digicert.com"

var oidSpcRFC3161Timestamp = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 3, 3, 1}

type messageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional,default:false"`
}

type pkiStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

type timeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// RFC3161Timestamper implements the IETF RFC 3161 time-stamp protocol.
type RFC3161Timestamper struct {
	URL    string
	Client *http.Client
	Logger *log.Helper
}

// NewRFC3161Timestamper constructs an RFC3161Timestamper. An empty url
// selects defaultRFC3161URL; a nil client selects http.DefaultClient.
func NewRFC3161Timestamper(url string, client *http.Client, logger log.Logger) *RFC3161Timestamper {
	if url == "" {
		url = defaultRFC3161URL
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.NewStdLogger(io.Discard)
	}
	return &RFC3161Timestamper{URL: url, Client: client, Logger: log.NewHelper(logger)}
}

// Timestamp implements Strategy.
func (t *RFC3161Timestamper) Timestamp(ctx context.Context, algo HashAlgorithm, primary *cms.SignedData) (*cms.SignedData, error) {
	if len(primary.SignerInfos) != 1 {
		return nil, errors.New("timestamp: primary signed-data must carry exactly one signer")
	}

	h := algo.Hash.New()
	h.Write(primary.SignerInfos[0].Signature)
	hashed := h.Sum(nil)

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, errors.Wrap(err, "timestamp: generate nonce")
	}

	req := timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: algo.OID, Parameters: asn1.NullRawValue},
			HashedMessage: hashed,
		},
		Nonce:   nonce,
		CertReq: true,
	}
	reqDER, err := asn1.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "timestamp: encode TimeStampReq")
	}

	correlationID := uuid.New().String()

	var respBody []byte
	err = retry.Do(
		func() error {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(reqDER))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			httpReq.Header.Set("Content-Type", "application/timestamp-query")

			t.Logger.Debugf("rfc3161 timestamp request id=%s url=%s", correlationID, t.URL)
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

			t.Logger.Debugf("rfc3161 timestamp response id=%s status=%d", correlationID, resp.StatusCode)
			respBody = data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return nil, errors.Wrap(err, "timestamp: rfc3161 request failed")
	}

	var tsr timeStampResp
	if _, err := asn1.Unmarshal(respBody, &tsr); err != nil {
		return nil, errors.Wrap(err, "timestamp: decode TimeStampResp")
	}
	// granted (0) or grantedWithMods (1).
	if tsr.Status.Status != 0 && tsr.Status.Status != 1 {
		return nil, fmt.Errorf("timestamp: TSA refused request, status=%d", tsr.Status.Status)
	}
	if tsr.TimeStampToken.FullBytes == nil {
		return nil, errors.New("timestamp: TimeStampResp carries no TimeStampToken")
	}

	return cms.AddUnsignedAttribute(primary, oidSpcRFC3161Timestamp,
		asn1.RawValue{FullBytes: tsr.TimeStampToken.FullBytes})
}
