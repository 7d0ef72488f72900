// Package authclient is the Go counterpart of the browser auth hook. It loads
// the current auth state from the identity endpoint and keeps the latest
// snapshot for callers such as server-rendered frontends or CLI tools.
//
//	hook := authclient.New(authclient.Config{Endpoint: "https://meet.example.com/rpc/v1/auth/me"})
//	result := hook.Refresh(ctx)
//	if result.State == nil {
//		// redirect to result.RedirectURL
//	}
package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tyemirov/meetgate/pkg/authstate"
)

// DefaultEndpoint is the identity endpoint path served by meetgate.
const DefaultEndpoint = "/rpc/v1/auth/me"

var (
	// ErrSuperseded is returned to callers whose fetch was cancelled by a newer Refresh.
	ErrSuperseded = errors.New("authclient.superseded")
	// ErrInvalidPayload indicates the endpoint answered with an unknown state.
	ErrInvalidPayload = errors.New("authclient.invalid_payload")
)

// StatusError reports a non-2xx, non-401 answer from the identity endpoint.
type StatusError struct {
	Status int
	Code   string
}

func (statusError *StatusError) Error() string {
	if statusError.Code == "" {
		return fmt.Sprintf("authclient.status: %d", statusError.Status)
	}
	return fmt.Sprintf("authclient.status: %d %s", statusError.Status, statusError.Code)
}

// User mirrors the user section of the identity payload.
type User struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	SupabaseUserID string `json:"supabaseUserId"`
	Type           string `json:"type"`
	Role           string `json:"role"`
}

// Profile mirrors the profile section of the identity payload.
type Profile struct {
	EmailVerified    bool `json:"emailVerified"`
	ProfileCompleted bool `json:"profileCompleted"`
}

// Result is one observation of the auth state. State is nil when there is no
// session; RedirectURL is then the login page.
type Result struct {
	State       *authstate.State
	RedirectURL string
	User        *User
	Profile     *Profile
	IsLoading   bool
	Err         error
}

// Config configures a Hook.
type Config struct {
	Endpoint   string
	HTTPClient *http.Client
	// Decorate may add cookies or headers to each identity request.
	Decorate func(request *http.Request)
	// OnChange is invoked after every snapshot change, outside the hook lock.
	OnChange func(Result)
}

// Hook tracks the latest auth state. A Refresh supersedes any fetch still in
// flight; concurrent Load calls share the current fetch.
type Hook struct {
	endpoint   string
	httpClient *http.Client
	decorate   func(request *http.Request)
	onChange   func(Result)
	group      singleflight.Group

	mutex      sync.Mutex
	generation uint64
	version    uint64
	cancel     context.CancelFunc
	inFlight   bool
	snapshot   Result

	notifyMutex sync.Mutex
	delivered   uint64
}

// New constructs a Hook. The initial snapshot is loading with no state.
func New(configuration Config) *Hook {
	endpoint := strings.TrimSpace(configuration.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Hook{
		endpoint:   endpoint,
		httpClient: httpClient,
		decorate:   configuration.Decorate,
		onChange:   configuration.OnChange,
		snapshot:   Result{IsLoading: true},
	}
}

// Snapshot returns the most recent result.
func (hook *Hook) Snapshot() Result {
	hook.mutex.Lock()
	defer hook.mutex.Unlock()
	return hook.snapshot
}

// Refresh cancels any in-flight fetch and starts a new one.
func (hook *Hook) Refresh(ctx context.Context) Result {
	return hook.run(ctx, true)
}

// Load joins the in-flight fetch when there is one and otherwise starts one.
func (hook *Hook) Load(ctx context.Context) Result {
	return hook.run(ctx, false)
}

func (hook *Hook) run(ctx context.Context, supersede bool) Result {
	hook.mutex.Lock()
	if !supersede && hook.inFlight {
		// The leader registered its call under this lock and clears inFlight
		// before the call returns, so the key is still live here.
		resultChannel := hook.group.DoChan(hook.key(), func() (interface{}, error) {
			return hook.Snapshot(), nil
		})
		hook.mutex.Unlock()
		return hook.await(ctx, resultChannel)
	}

	if hook.cancel != nil {
		hook.cancel()
	}
	hook.generation++
	hook.inFlight = true
	hook.snapshot = Result{IsLoading: true}
	hook.version++
	version := hook.version
	fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	hook.cancel = cancel
	generation := hook.generation
	resultChannel := hook.group.DoChan(hook.key(), func() (interface{}, error) {
		return hook.fetch(fetchCtx, generation), nil
	})
	hook.mutex.Unlock()

	hook.notify(Result{IsLoading: true}, version)
	return hook.await(ctx, resultChannel)
}

// key must be called with the mutex held.
func (hook *Hook) key() string {
	return strconv.FormatUint(hook.generation, 10)
}

func (hook *Hook) await(ctx context.Context, resultChannel <-chan singleflight.Result) Result {
	select {
	case <-ctx.Done():
		return Result{IsLoading: true, Err: ctx.Err()}
	case outcome := <-resultChannel:
		return outcome.Val.(Result)
	}
}

func (hook *Hook) fetch(ctx context.Context, generation uint64) Result {
	result := hook.request(ctx)

	hook.mutex.Lock()
	if generation != hook.generation {
		hook.mutex.Unlock()
		return Result{IsLoading: true, Err: ErrSuperseded}
	}
	hook.snapshot = result
	hook.inFlight = false
	hook.version++
	version := hook.version
	if hook.cancel != nil {
		hook.cancel()
		hook.cancel = nil
	}
	hook.mutex.Unlock()

	hook.notify(result, version)
	return result
}

func (hook *Hook) request(ctx context.Context) Result {
	anonymous := func(err error) Result {
		return Result{RedirectURL: authstate.PathLogin, Err: err}
	}

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, hook.endpoint, nil)
	if requestErr != nil {
		return anonymous(fmt.Errorf("authclient.request: %w", requestErr))
	}
	request.Header.Set("Accept", "application/json")
	if hook.decorate != nil {
		hook.decorate(request)
	}

	response, doErr := hook.httpClient.Do(request)
	if doErr != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{IsLoading: true, Err: ErrSuperseded}
		}
		return anonymous(fmt.Errorf("authclient.request: %w", doErr))
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		if response.StatusCode == http.StatusUnauthorized {
			_, _ = io.Copy(io.Discard, response.Body)
			return anonymous(nil)
		}
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(response.Body).Decode(&failure)
		return anonymous(&StatusError{Status: response.StatusCode, Code: failure.Error})
	}

	var payload struct {
		State       authstate.State `json:"state"`
		RedirectURL string          `json:"redirectUrl"`
		User        User            `json:"user"`
		Profile     Profile         `json:"profile"`
	}
	if decodeErr := json.NewDecoder(response.Body).Decode(&payload); decodeErr != nil {
		return anonymous(fmt.Errorf("authclient.decode: %w: %v", ErrInvalidPayload, decodeErr))
	}
	if !payload.State.Valid() {
		return anonymous(fmt.Errorf("authclient.decode: %w: state %q", ErrInvalidPayload, payload.State))
	}
	redirectURL := payload.RedirectURL
	if redirectURL == "" {
		redirectURL = authstate.RedirectFor(&payload.State)
	}
	return Result{
		State:       payload.State.Ptr(),
		RedirectURL: redirectURL,
		User:        &payload.User,
		Profile:     &payload.Profile,
	}
}

// notify delivers snapshot changes in order and drops any that a newer
// change has already overtaken.
func (hook *Hook) notify(result Result, version uint64) {
	if hook.onChange == nil {
		return
	}
	hook.notifyMutex.Lock()
	if version <= hook.delivered {
		hook.notifyMutex.Unlock()
		return
	}
	hook.delivered = version
	hook.notifyMutex.Unlock()
	hook.onChange(result)
}
