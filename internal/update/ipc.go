package update

import (
	"context"
	"errors"
	"fmt"

	"github.com/p-arndt/lughcore/protocol"
)

var ErrUnsupportedOp = errors.New("update: unsupported operation")

// ProcessIPC handles an OpUpdate message: it parses the request, loads the
// staged image and runs the transaction to completion. The returned
// transaction is nil only when the request never got as far as Init.
func (e *Engine) ProcessIPC(ctx context.Context, msg *protocol.Message) (*Transaction, error) {
	if msg.Operation != protocol.OpUpdate {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOp, protocol.OpName(msg.Operation))
	}
	req, err := protocol.ParseUpdateRequest(string(msg.Text()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	typ, err := ParseType(req.Type)
	if err != nil {
		return nil, err
	}

	size, err := e.artifacts.Size(req.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: staged image %s: %v", ErrInvalidRequest, req.Image, err)
	}
	if size > e.cfg.MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrTooLarge, size, e.cfg.MaxImageSize)
	}
	image, err := e.artifacts.ReadFile(req.Image)
	if err != nil {
		return nil, fmt.Errorf("reading staged image: %w", err)
	}

	tx, err := e.Init(typ, req.Path, image, req.Hash)
	if err != nil {
		return nil, err
	}
	defer e.Cleanup(tx)

	e.logger.Info("update requested over ipc", "txn", tx.ID, "path", req.Path, "staged", req.Image)
	return tx, e.Execute(ctx, tx)
}
