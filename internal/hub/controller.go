package hub

import (
	"context"

	"github.com/user/flowterm/internal/tab"
)

// Controller is what the hub drives on behalf of clients.
type Controller interface {
	List() []tab.Info
	// Attach focuses the tab and returns its scrollback.
	Attach(tabID string) ([]byte, error)
	Input(tabID string, data []byte) error
	Line(tabID, line string) error
	Resize(tabID string, rows, cols int) error
	Control(tabID, code string) error
	Open(ctx context.Context, profileID, title string) (string, error)
	Close(ctx context.Context, tabID string) error
	Restart(ctx context.Context, tabID string) error
}

type managerController struct {
	m *tab.Manager
}

// NewController exposes a tab manager to the hub.
func NewController(m *tab.Manager) Controller {
	return managerController{m: m}
}

func (c managerController) List() []tab.Info { return c.m.List() }

func (c managerController) Attach(tabID string) ([]byte, error) {
	t, err := c.m.Get(tabID)
	if err != nil {
		return nil, err
	}
	if err := c.m.Focus(tabID); err != nil {
		return nil, err
	}
	return t.Scrollback(), nil
}

func (c managerController) Input(tabID string, data []byte) error {
	t, err := c.m.Get(tabID)
	if err != nil {
		return err
	}
	t.Input(data)
	return nil
}

func (c managerController) Line(tabID, line string) error {
	t, err := c.m.Get(tabID)
	if err != nil {
		return err
	}
	t.Line(line)
	return nil
}

func (c managerController) Resize(tabID string, rows, cols int) error {
	t, err := c.m.Get(tabID)
	if err != nil {
		return err
	}
	return t.Resize(rows, cols)
}

func (c managerController) Control(tabID, code string) error {
	t, err := c.m.Get(tabID)
	if err != nil {
		return err
	}
	t.Control(code)
	return nil
}

func (c managerController) Open(ctx context.Context, profileID, title string) (string, error) {
	t, err := c.m.Open(ctx, profileID, title)
	if err != nil {
		return "", err
	}
	return t.ID(), nil
}

func (c managerController) Close(ctx context.Context, tabID string) error {
	return c.m.Close(ctx, tabID)
}

func (c managerController) Restart(ctx context.Context, tabID string) error {
	return c.m.Restart(ctx, tabID)
}
