package browser

import (
	"context"
	"time"

	"github.com/spindleworks/spindle/fault"
)

// fakeSession scripts the Session interface for flow tests. Selector
// visibility, table rows, and click side effects are all plain maps the test
// arranges up front; hooks mutate them to simulate page transitions.
type fakeSession struct {
	url      string
	frame    string
	visible  map[string]bool
	rows     map[string][]string
	fills    map[string]string
	clicked  []string
	onClick  map[string]func(f *fakeSession)
	rowCalls int
	rowsHook func(call int) []string
	visCalls int
	visHook  func(f *fakeSession, call int)

	fillErr  map[string]error
	clickErr map[string]error
	navErr   map[string]error

	download    []byte
	downloadErr error
	state       []byte
	closed      bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		visible:  map[string]bool{},
		rows:     map[string][]string{},
		fills:    map[string]string{},
		onClick:  map[string]func(f *fakeSession){},
		fillErr:  map[string]error{},
		clickErr: map[string]error{},
		navErr:   map[string]error{},
		state:    []byte(`{"cookies":[],"origins":[]}`),
	}
}

func (f *fakeSession) Navigate(ctx context.Context, url string) error {
	if err := f.navErr[url]; err != nil {
		return err
	}
	f.url = url
	return nil
}

func (f *fakeSession) CurrentURL() string { return f.url }

func (f *fakeSession) Fill(ctx context.Context, selector, value string) error {
	if err := f.fillErr[selector]; err != nil {
		return err
	}
	f.fills[selector] = value
	return nil
}

func (f *fakeSession) Click(ctx context.Context, selector string) error {
	f.clicked = append(f.clicked, selector)
	if err := f.clickErr[selector]; err != nil {
		return err
	}
	if hook := f.onClick[selector]; hook != nil {
		hook(f)
	}
	return nil
}

func (f *fakeSession) ClickRole(ctx context.Context, role, name string) error {
	return f.Click(ctx, "role="+role+"[name="+name+"]")
}

func (f *fakeSession) EnterFrame(selector string) error {
	f.frame = selector
	return nil
}

func (f *fakeSession) ExitFrame() { f.frame = "" }

func (f *fakeSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if f.visible[selector] {
		return nil
	}
	return fault.Errorf(fault.Timeout, "selector %q not visible", selector)
}

func (f *fakeSession) WaitGone(ctx context.Context, selector string, timeout time.Duration) error {
	if !f.visible[selector] {
		return nil
	}
	return fault.Errorf(fault.Timeout, "selector %q still visible", selector)
}

func (f *fakeSession) IsVisible(ctx context.Context, selector string) (bool, error) {
	f.visCalls++
	if f.visHook != nil {
		f.visHook(f, f.visCalls)
	}
	return f.visible[selector], nil
}

func (f *fakeSession) VisibleText(ctx context.Context, selector string) (string, error) {
	return "", nil
}

func (f *fakeSession) RowTexts(ctx context.Context, selector string) ([]string, error) {
	f.rowCalls++
	if f.rowsHook != nil {
		return f.rowsHook(f.rowCalls), nil
	}
	return f.rows[selector], nil
}

func (f *fakeSession) ExpectDownload(ctx context.Context, trigger func() error) ([]byte, string, error) {
	if err := trigger(); err != nil {
		return nil, "", err
	}
	if f.downloadErr != nil {
		return nil, "", f.downloadErr
	}
	if f.download == nil {
		return nil, "", fault.Errorf(fault.Download, "no download arrived")
	}
	return f.download, "report.xlsx", nil
}

func (f *fakeSession) SaveState(ctx context.Context) ([]byte, error) { return f.state, nil }

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

// fakeLauncher hands out pre-built sessions in order.
type fakeLauncher struct {
	sessions []*fakeSession
	launches int
	closed   bool
}

func (l *fakeLauncher) Launch(ctx context.Context, opts SessionOptions) (Session, error) {
	var s = l.sessions[l.launches%len(l.sessions)]
	l.launches++
	return s, nil
}

func (l *fakeLauncher) Close() error {
	l.closed = true
	return nil
}
