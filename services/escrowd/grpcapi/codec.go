package grpcapi

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"skillchain/services/escrowd/api"
)

// Requests travel as google.protobuf.Struct. They are decoded through JSON
// into the shared api shapes so both transports validate the same fields.
// Amounts and ids are strings on the wire; Struct numbers are doubles.

type idRequest struct {
	ID string `json:"id"`
}

type fundRequest struct {
	ID string `json:"id"`
	api.FundRequest
}

type releaseRequest struct {
	ID          string `json:"id"`
	MilestoneID string `json:"milestoneId"`
}

type resolveRequest struct {
	ID string `json:"id"`
	api.ResolveRequest
}

type listRequest struct {
	Identity string `json:"identity"`
	Role     string `json:"role,omitempty"`
}

type identityRequest struct {
	Identity string `json:"identity"`
}

func decodeStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", api.ErrBadRequest, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode request: %v", api.ErrBadRequest, err)
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}
