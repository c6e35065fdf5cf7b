package swagent

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Publisher sends SmartREST messages to the platform.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Inventory is the managed-object side of the platform.
type Inventory interface {
	InternalID(ctx context.Context, serial string) (string, error)
	UpdateManagedObject(ctx context.Context, id string, fragment map[string]any) error
	SetAdvancedSoftwareList(ctx context.Context, id string, items []InstalledSoftware) error
}

// TokenWaiter reports whether a platform token became available in time.
type TokenWaiter interface {
	Wait(ctx context.Context, timeout time.Duration) bool
}

// ReporterConfig wires a Reporter.
type ReporterConfig struct {
	Publisher Publisher
	// Inventory and Token may be nil; inventory pushes are then skipped.
	Inventory Inventory
	Token     TokenWaiter
	Serial    string
	TokenWait time.Duration
}

// Reporter builds and sends operation status messages and keeps the
// managed object's software inventory current.
type Reporter struct {
	publisher Publisher
	inventory Inventory
	token     TokenWaiter
	serial    string
	tokenWait time.Duration
}

func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if cfg.Publisher == nil {
		return nil, errors.New("reporter requires a publisher")
	}
	return &Reporter{
		publisher: cfg.Publisher,
		inventory: cfg.Inventory,
		token:     cfg.Token,
		serial:    cfg.Serial,
		tokenWait: cfg.TokenWait,
	}, nil
}

func (r *Reporter) publish(ctx context.Context, msg Message) {
	logger := ctxLogger(ctx)
	if err := r.publisher.Publish(ctx, msg); err != nil {
		logger.Error().Err(err).
			Str("topic", msg.Topic).
			Str("template_id", msg.TemplateID).
			Msg("publish smartrest message failed")
		return
	}
	logger.Debug().Str("topic", msg.Topic).Str("message", msg.Encode()).Msg("published")
}

// Executing announces that operation has started.
func (r *Reporter) Executing(ctx context.Context, operation string) {
	r.publish(ctx, NewMessage(TemplateExecuting, operation))
}

// Succeeded reports a clean finish.
func (r *Reporter) Succeeded(ctx context.Context, operation string) {
	r.publish(ctx, NewMessage(TemplateSuccessful, operation))
}

// Failed reports a failed operation with a human-readable reason.
func (r *Reporter) Failed(ctx context.Context, operation, reason string) {
	r.publish(ctx, NewMessage(TemplateFailed, operation, reason))
}

// Result sends 503 for an empty error list and 502 with the joined
// messages otherwise.
func (r *Reporter) Result(ctx context.Context, operation string, errs ErrorList) {
	if errs.Empty() {
		r.Succeeded(ctx, operation)
		return
	}
	r.Failed(ctx, operation, errs.failureText())
}

// Added sends the software added/updated notice for item. A snap channel
// suffix is not part of the reported version.
func (r *Reporter) Added(ctx context.Context, item SoftwareItem) {
	version, _ := SplitChannel(item.Version)
	r.publish(ctx, NewMessage(TemplateSoftwareAdded, item.Name, version, item.SoftwareType, item.URL))
}

// Removed sends the software removed notice for item.
func (r *Reporter) Removed(ctx context.Context, item SoftwareItem) {
	version, _ := SplitChannel(item.Version)
	r.publish(ctx, NewMessage(TemplateSoftwareRemoved, item.Name, version))
}

// Notices emits 141 for applied install/update items and 142 for applied
// deletes. Failed items produce no notice.
func (r *Reporter) Notices(ctx context.Context, applied []AppliedItem) {
	for _, item := range applied {
		if !item.OK() {
			continue
		}
		switch item.Action {
		case ActionInstall, ActionUpdate:
			r.Added(ctx, item.SoftwareItem)
		case ActionDelete:
			r.Removed(ctx, item.SoftwareItem)
		case ActionNone:
		}
	}
}

// SupportedOperations publishes the operations this agent handles.
func (r *Reporter) SupportedOperations(ctx context.Context) {
	r.publish(ctx, NewMessage(TemplateSupportedOperations, OperationSoftwareUpdate, OperationSoftwareList))
}

// Inventory publishes the flattened installed-software list.
func (r *Reporter) Inventory(ctx context.Context, installed []InstalledSoftware) {
	fields := make([]string, 0, len(installed)*3)
	for _, sw := range installed {
		fields = append(fields, sw.Name, sw.InventoryVersion(), sw.URL)
	}
	r.publish(ctx, NewMessage(TemplateSoftwareInventory, fields...))
}

// SyncInventory writes the c8y_SoftwareList fragment of the device's managed
// object. It returns ErrTokenTimeout when no token arrived in time; callers
// treat that as a skipped refresh, not as an operation failure.
func (r *Reporter) SyncInventory(ctx context.Context, installed []InstalledSoftware) error {
	id, err := r.managedObject(ctx)
	if err != nil {
		return err
	}
	fragment := map[string]any{"c8y_SoftwareList": softwareListFragment(installed)}
	if err := r.inventory.UpdateManagedObject(ctx, id, fragment); err != nil {
		return errors.Wrap(err, "update software list fragment")
	}
	return nil
}

// PushAdvancedList replaces the advanced software list of the device.
func (r *Reporter) PushAdvancedList(ctx context.Context, installed []InstalledSoftware) error {
	id, err := r.managedObject(ctx)
	if err != nil {
		return err
	}
	return errors.Wrap(r.inventory.SetAdvancedSoftwareList(ctx, id, installed), "set advanced software list")
}

// SupportedSoftwareTypes declares the software types the device accepts.
func (r *Reporter) SupportedSoftwareTypes(ctx context.Context, types ...string) error {
	id, err := r.managedObject(ctx)
	if err != nil {
		return err
	}
	fragment := map[string]any{"c8y_SupportedSoftwareTypes": types}
	return errors.Wrap(r.inventory.UpdateManagedObject(ctx, id, fragment), "update supported software types")
}

func (r *Reporter) managedObject(ctx context.Context) (string, error) {
	if r.inventory == nil || r.token == nil {
		return "", errors.Wrap(ErrTokenTimeout, "platform inventory not configured")
	}
	if !r.token.Wait(ctx, r.tokenWait) {
		return "", errors.Wrapf(ErrTokenTimeout, "no token within %s", r.tokenWait)
	}
	id, err := r.inventory.InternalID(ctx, r.serial)
	if err != nil {
		return "", errors.Wrapf(err, "resolve managed object of %s", r.serial)
	}
	return id, nil
}

// logInventoryErr logs the outcome of a best-effort inventory push.
func logInventoryErr(ctx context.Context, err error, what string) {
	logger := ctxLogger(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrTokenTimeout):
		logger.Warn().Err(err).Str("push", what).Msg("inventory push skipped")
	default:
		logger.Error().Err(err).Str("push", what).Msg("inventory push failed")
	}
}

// ctxLogger returns the operation logger carried by ctx, or the global
// logger outside an operation.
func ctxLogger(ctx context.Context) *zerolog.Logger {
	if logger := zerolog.Ctx(ctx); logger.GetLevel() != zerolog.Disabled {
		return logger
	}
	return &log.Logger
}

type softwareEntry struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	SoftwareType string `json:"softwareType"`
	URL          string `json:"url"`
}

func softwareListFragment(installed []InstalledSoftware) []softwareEntry {
	out := make([]softwareEntry, 0, len(installed))
	for _, sw := range installed {
		version := sw.Version
		if sw.Channel != "" {
			version = sw.Version + " - " + sw.Channel
		}
		out = append(out, softwareEntry{Name: sw.Name, Version: version, SoftwareType: sw.SoftwareType, URL: sw.URL})
	}
	return out
}
