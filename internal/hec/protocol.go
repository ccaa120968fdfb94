// Package hec implements the client side of the Splunk HTTP Event Collector
// protocol: sending batches on a channel and resolving their
// acknowledgments.
package hec

import (
	"strconv"

	json "github.com/goccy/go-json"
)

// Collector endpoint paths, relative to an indexer base URI.
const (
	EventPath  = "/services/collector/event"
	RawPath    = "/services/collector/raw"
	AckPath    = "/services/collector/ack"
	HealthPath = "/services/collector/health"
)

// Request headers.
const (
	HeaderAuthorization = "Authorization"
	HeaderChannel       = "X-Splunk-Request-Channel"
)

// HEC response codes.
const (
	CodeSuccess            = 0
	CodeTokenDisabled      = 1
	CodeTokenRequired      = 2
	CodeInvalidAuthz       = 3
	CodeInvalidToken       = 4
	CodeNoData             = 5
	CodeInvalidDataFormat  = 6
	CodeIncorrectIndex     = 7
	CodeInternalError      = 8
	CodeServerBusy         = 9
	CodeChannelMissing     = 10
	CodeInvalidChannel     = 11
	CodeEventFieldRequired = 12
	CodeEventFieldBlank    = 13
	CodeAckDisabled        = 14
)

// Response is the body HEC returns for event, raw, and error responses.
type Response struct {
	Text  string `json:"text"`
	Code  int    `json:"code"`
	AckID *int64 `json:"ackId,omitempty"`
}

type ackRequest struct {
	Acks []int64 `json:"acks"`
}

type ackResponse struct {
	Acks map[string]bool `json:"acks"`
}

func parseResponse(body []byte) (Response, bool) {
	var r Response
	if len(body) == 0 {
		return r, false
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return r, false
	}
	return r, true
}

func encodeAckRequest(ids []int64) ([]byte, error) {
	return json.Marshal(ackRequest{Acks: ids})
}

func decodeAckResponse(body []byte) (map[int64]bool, error) {
	var r ackResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(r.Acks))
	for k, v := range r.Acks {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return out, nil
}
