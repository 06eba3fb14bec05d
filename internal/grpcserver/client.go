package grpcserver

import (
	"context"
	"io"

	"montage/internal/pipeline"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls montage.v1.Aligner.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Submit queues job and returns its id.
func (c *Client) Submit(ctx context.Context, job pipeline.Job) (string, error) {
	in, err := toStruct(job)
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Submit", in, out); err != nil {
		return "", err
	}
	return out.GetFields()["id"].GetStringValue(), nil
}

// Status fetches the state of a job.
func (c *Client) Status(ctx context.Context, id string) (pipeline.Status, error) {
	var st pipeline.Status
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return st, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Status", in, out); err != nil {
		return st, err
	}
	return st, fromStruct(out, &st)
}

// Wait blocks until job id has finished and returns its final status.
func (c *Client) Wait(ctx context.Context, id string) (pipeline.Status, error) {
	var st pipeline.Status
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], "/"+serviceName+"/Watch")
	if err != nil {
		return st, err
	}
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return st, err
	}
	if err := stream.SendMsg(in); err != nil {
		return st, err
	}
	if err := stream.CloseSend(); err != nil {
		return st, err
	}
	out := new(structpb.Struct)
	if err := stream.RecvMsg(out); err != nil {
		if err == io.EOF {
			return st, io.ErrUnexpectedEOF
		}
		return st, err
	}
	return st, fromStruct(out, &st)
}
