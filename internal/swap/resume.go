package swap

import (
	"fmt"
	"net/url"
	"strings"
)

// Resume query parameter names.
const (
	QueryCommitID           = "commitId"
	QueryRefundTxID         = "refundTxId"
	QuerySource             = "source"
	QuerySourceAsset        = "sourceAsset"
	QuerySourceAddress      = "sourceAddress"
	QueryDestination        = "destination"
	QueryDestinationAsset   = "destinationAsset"
	QueryDestinationAddress = "destAddress"
	QueryAmount             = "amount"
)

// ResumeQuery encodes what is needed to recover the session elsewhere.
func ResumeQuery(s *Session) string {
	v := url.Values{}
	v.Set(QuerySource, s.Source.Network)
	v.Set(QuerySourceAsset, s.Source.Asset.Symbol)
	v.Set(QueryDestination, s.Destination.Network)
	v.Set(QueryDestinationAsset, s.Destination.Asset.Symbol)
	v.Set(QueryAmount, s.Amount)
	if s.Source.Address != "" {
		v.Set(QuerySourceAddress, s.Source.Address)
	}
	if s.Destination.Address != "" {
		v.Set(QueryDestinationAddress, s.Destination.Address)
	}
	if s.CommitID != "" {
		v.Set(QueryCommitID, s.CommitID)
	}
	if s.RefundTxID != "" {
		v.Set(QueryRefundTxID, s.RefundTxID)
	}
	return v.Encode()
}

// ParseResumeQuery decodes a resume query. A leading "?" or a full URL is
// accepted.
func ParseResumeQuery(q string) (CreateRequest, error) {
	q = strings.TrimSpace(q)
	if i := strings.Index(q, "?"); i >= 0 {
		q = q[i+1:]
	}
	v, err := url.ParseQuery(q)
	if err != nil {
		return CreateRequest{}, fmt.Errorf("invalid resume query: %w", err)
	}

	req := CreateRequest{
		SourceNetwork:      v.Get(QuerySource),
		SourceAsset:        v.Get(QuerySourceAsset),
		SourceAddress:      v.Get(QuerySourceAddress),
		DestinationNetwork: v.Get(QueryDestination),
		DestinationAsset:   v.Get(QueryDestinationAsset),
		DestinationAddress: v.Get(QueryDestinationAddress),
		Amount:             v.Get(QueryAmount),
		CommitID:           v.Get(QueryCommitID),
		RefundTxID:         v.Get(QueryRefundTxID),
	}
	if req.SourceNetwork == "" || req.DestinationNetwork == "" {
		return CreateRequest{}, fmt.Errorf("resume query needs %s and %s", QuerySource, QueryDestination)
	}
	if req.SourceAsset == "" || req.DestinationAsset == "" {
		return CreateRequest{}, fmt.Errorf("resume query needs %s and %s", QuerySourceAsset, QueryDestinationAsset)
	}
	return req, nil
}
