package swagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	// Mode selects the backend for typed updates and list syncs.
	Mode BackendKind
	// OS handles untyped updates in every mode, and everything in OS mode.
	OS PackageManager
	// Sandboxed is required when Mode is BackendSandboxed.
	Sandboxed PackageManager

	Installer BinaryInstaller
	Fetcher   BinaryFetcher
	Reporter  *Reporter
	Recorder  OperationRecorder

	BinaryMarker string
	Now          func() time.Time
}

// Dispatcher turns inbound software operations into backend calls and
// status messages. It is not safe for concurrent Handle calls except for
// rejected sandboxed list syncs, which never touch a backend.
type Dispatcher struct {
	mode      BackendKind
	os        PackageManager
	sandboxed PackageManager
	installer BinaryInstaller
	fetcher   BinaryFetcher
	reporter  *Reporter
	recorder  OperationRecorder
	marker    string
	now       func() time.Time

	sandboxBusy busyGuard
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.OS == nil {
		return nil, errors.New("dispatcher requires an OS package backend")
	}
	if cfg.Mode == BackendSandboxed && cfg.Sandboxed == nil {
		return nil, errors.New("snap mode requires a sandboxed package backend")
	}
	if cfg.Reporter == nil {
		return nil, errors.New("dispatcher requires a reporter")
	}
	d := &Dispatcher{
		mode:      cfg.Mode,
		os:        cfg.OS,
		sandboxed: cfg.Sandboxed,
		installer: cfg.Installer,
		fetcher:   cfg.Fetcher,
		reporter:  cfg.Reporter,
		recorder:  cfg.Recorder,
		marker:    cfg.BinaryMarker,
		now:       cfg.Now,
	}
	if d.recorder == nil {
		d.recorder = noopRecorder{}
	}
	if d.marker == "" {
		d.marker = defaultBinaryMarker
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// Mode returns the configured package manager mode.
func (d *Dispatcher) Mode() BackendKind { return d.mode }

// Active returns the backend that serves typed updates and list syncs.
func (d *Dispatcher) Active() PackageManager {
	if d.mode == BackendSandboxed {
		return d.sandboxed
	}
	return d.os
}

// Handles reports whether in is a software operation of this dispatcher.
func (d *Dispatcher) Handles(in Inbound) bool {
	if in.Topic != TopicDownstream {
		return false
	}
	_, ok := RecordWidth(in.TemplateID)
	return ok
}

// Reservation is the sandboxed list slot taken for one inbound operation.
// The zero value reserves nothing.
type Reservation struct {
	needed  bool
	held    bool
	release func()
}

// Rejected reports whether the operation needed the slot and did not get it.
func (r Reservation) Rejected() bool { return r.needed && !r.held }

// Release frees the slot. It is safe to call more than once.
func (r Reservation) Release() {
	if r.release != nil {
		r.release()
	}
}

// Reserve claims the sandboxed list slot for in when in is a snap mode 516.
// A sync counts as busy from the moment it is accepted until it finishes,
// so a second 516 arriving while one is queued or running is rejected.
func (d *Dispatcher) Reserve(in Inbound) Reservation {
	if d.mode != BackendSandboxed || in.TemplateID != TemplateSoftwareList || !d.Handles(in) {
		return Reservation{}
	}
	release, ok := d.sandboxBusy.TryAcquire()
	return Reservation{needed: true, held: ok, release: release}
}

// Handle processes one inbound operation to completion. It returns the
// journal record of the operation; messages that are not software
// operations are ignored.
func (d *Dispatcher) Handle(ctx context.Context, in Inbound) OperationRecord {
	return d.HandleReserved(ctx, in, d.Reserve(in))
}

// HandleReserved is Handle for an operation whose slot was reserved at
// arrival. It releases res when done.
func (d *Dispatcher) HandleReserved(ctx context.Context, in Inbound, res Reservation) OperationRecord {
	defer res.Release()
	rec := OperationRecord{
		ID:         uuid.NewString(),
		TemplateID: in.TemplateID,
		Mode:       d.mode.String(),
		StartedAt:  d.now(),
		Status:     OutcomeIgnored,
	}
	if !d.Handles(in) {
		return rec
	}

	logger := log.With().
		Str("operation_id", rec.ID).
		Str("template_id", in.TemplateID).
		Str("mode", rec.Mode).
		Logger()
	ctx = logger.WithContext(ctx)

	errs, err := d.process(ctx, in, res, &rec)
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("software operation aborted")
		d.reportAbort(ctx, err.Error())
		rec.Status = OutcomeError
		rec.ErrorText = err.Error()
	case errors.Is(errs.ErrorOrNil(), ErrBusy):
		rec.Status = OutcomeBusy
		rec.ErrorText = errs.failureText()
	case !errs.Empty():
		rec.Status = OutcomeFailed
		rec.ErrorText = errs.failureText()
	default:
		rec.Status = OutcomeSuccess
	}
	rec.FinishedAt = d.now()

	logger.Info().
		Str("device_id", rec.DeviceID).
		Int("items", rec.ItemCount).
		Str("status", rec.Status).
		Dur("elapsed", rec.Elapsed()).
		Msg("software operation finished")

	if err := d.recorder.RecordOperation(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn().Err(err).Msg("record operation failed")
	}
	return rec
}

// process runs one operation. A non-nil error means processing was aborted
// and no terminal message has been sent yet.
func (d *Dispatcher) process(ctx context.Context, in Inbound, res Reservation, rec *OperationRecord) (errs ErrorList, err error) {
	defer func() {
		if r := recover(); r != nil {
			_, _ = fmt.Fprintf(os.Stderr, "WARN: software operation %s panicked: %v\n%s\n", in.TemplateID, r, debug.Stack())
			err = errors.Errorf("%v", r)
		}
	}()

	op, perr := ParseOperation(in.TemplateID, in.Values)
	if perr != nil {
		zerolog.Ctx(ctx).Warn().Err(perr).Msg("operation payload malformed, continuing with complete records")
	}
	rec.DeviceID = op.DeviceID
	rec.ItemCount = len(op.Items)
	zerolog.Ctx(ctx).Info().
		Str("device_id", op.DeviceID).
		Int("items", len(op.Items)).
		Msg("software operation received")

	switch in.TemplateID {
	case TemplateSoftwareUpdateUntyped:
		return d.update(ctx, op, d.os, false)
	case TemplateSoftwareUpdateTyped:
		if d.mode == BackendSandboxed {
			return d.sandboxedUpdate(ctx, op)
		}
		return d.update(ctx, op, d.os, true)
	case TemplateSoftwareList:
		if d.mode == BackendSandboxed {
			return d.sandboxedList(ctx, op, res)
		}
		return d.list(ctx, op, d.os)
	}
	return errs, errors.Wrapf(ErrParse, "unsupported template %s", in.TemplateID)
}

// update handles 528 and the OS-mode 529. Binary items are installed from
// file, the rest go through the backend batch.
func (d *Dispatcher) update(ctx context.Context, op Operation, pm PackageManager, notices bool) (ErrorList, error) {
	d.reporter.Executing(ctx, OperationSoftwareUpdate)

	var (
		errs    ErrorList
		applied []AppliedItem
	)
	binaries, batch := d.splitBinaries(op.Items)
	if len(binaries) > 0 {
		binErrs, binApplied := d.installBinaries(ctx, pm.Kind(), binaries)
		errs.Merge(binErrs)
		applied = append(applied, binApplied...)
	}
	if len(batch) > 0 {
		batchErrs, batchApplied := pm.ApplyBatch(ctx, batch, ApplyOptions{RefreshIndex: true, Progress: logProgress(ctx)})
		errs.Merge(batchErrs)
		applied = append(applied, batchApplied...)
	}

	if notices {
		d.reporter.Notices(ctx, applied)
	}
	d.reporter.Result(ctx, OperationSoftwareUpdate, errs)
	d.refreshInventory(ctx, pm)
	return errs, nil
}

// sandboxedUpdate handles 529 in snap mode. Binary URLs have no meaning for
// the sandboxed backend, so every item takes the batch path.
func (d *Dispatcher) sandboxedUpdate(ctx context.Context, op Operation) (ErrorList, error) {
	d.reporter.Executing(ctx, OperationSoftwareUpdate)

	errs, applied := d.sandboxed.ApplyBatch(ctx, op.Items, ApplyOptions{Progress: logProgress(ctx)})
	d.reporter.Notices(ctx, applied)
	d.reporter.Result(ctx, OperationSoftwareUpdate, errs)
	d.refreshInventory(ctx, d.sandboxed)
	return errs, nil
}

// list handles 516 in OS mode.
func (d *Dispatcher) list(ctx context.Context, op Operation, pm PackageManager) (ErrorList, error) {
	d.reporter.Executing(ctx, OperationSoftwareList)
	return d.syncList(ctx, op, pm)
}

// sandboxedList handles 516 in snap mode. Overlapping syncs are rejected.
func (d *Dispatcher) sandboxedList(ctx context.Context, op Operation, res Reservation) (ErrorList, error) {
	d.reporter.Executing(ctx, OperationSoftwareList)

	if res.Rejected() {
		zerolog.Ctx(ctx).Warn().Msg("sandboxed backend busy, rejecting software list")
		var errs ErrorList
		errs.Add(ErrBusy)
		d.reporter.Failed(ctx, OperationSoftwareList, busyFailureText)
		return errs, nil
	}
	return d.syncList(ctx, op, d.sandboxed)
}

func (d *Dispatcher) syncList(ctx context.Context, op Operation, pm PackageManager) (ErrorList, error) {
	installed, err := pm.ListInstalled(ctx)
	if err != nil {
		return ErrorList{}, errors.Wrap(err, "list installed software")
	}
	plan := PlanSync(installed, op.Items)
	zerolog.Ctx(ctx).Info().Int("listed", len(op.Items)).Int("changes", len(plan)).Msg("software list planned")

	var errs ErrorList
	if len(plan) > 0 {
		errs, _ = pm.ApplyBatch(ctx, plan, ApplyOptions{RefreshIndex: true, Progress: logProgress(ctx)})
	}

	after, listErr := pm.ListInstalled(ctx)
	if listErr != nil {
		errs.Add(errors.Wrap(listErr, "refresh installed software"))
	} else {
		logInventoryErr(ctx, d.reporter.SyncInventory(ctx, after), "software list")
	}
	d.reporter.Result(ctx, OperationSoftwareList, errs)
	if listErr == nil {
		d.reporter.Inventory(ctx, after)
	}
	return errs, nil
}

func (d *Dispatcher) splitBinaries(items []SoftwareItem) (binaries, batch []SoftwareItem) {
	for _, item := range items {
		if item.Action.Changes() && item.HasBinary(d.marker) {
			binaries = append(binaries, item)
			continue
		}
		batch = append(batch, item)
	}
	return binaries, batch
}

func (d *Dispatcher) installBinaries(ctx context.Context, kind BackendKind, items []SoftwareItem) (ErrorList, []AppliedItem) {
	var (
		errs    ErrorList
		applied = make([]AppliedItem, 0, len(items))
	)
	for _, item := range items {
		err := d.installBinary(ctx, item)
		if err != nil {
			err = NewItemError(kind, item.Name, err)
			errs.Add(err)
		}
		applied = append(applied, AppliedItem{SoftwareItem: item, Err: err})
	}
	return errs, applied
}

func (d *Dispatcher) installBinary(ctx context.Context, item SoftwareItem) error {
	if d.fetcher == nil || d.installer == nil {
		return errors.New("binary install not configured")
	}
	logger := zerolog.Ctx(ctx).With().Str("item", item.Name).Str("url", item.URL).Logger()
	logger.Info().Msg("downloading software binary")
	path, err := d.fetcher.DownloadBinary(ctx, item.URL)
	if err != nil {
		return errors.Wrap(err, "download binary")
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Debug().Err(rmErr).Str("path", path).Msg("remove downloaded binary failed")
		}
	}()
	logger.Info().Str("path", path).Msg("installing software binary")
	return d.installer.InstallFile(ctx, path)
}

func (d *Dispatcher) refreshInventory(ctx context.Context, pm PackageManager) {
	installed, err := pm.ListInstalled(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("list installed software for inventory failed")
		return
	}
	logInventoryErr(ctx, d.reporter.SyncInventory(ctx, installed), "software update")
}

// reportAbort emits a failure for both software operations; the dispatcher
// cannot tell which of them the platform is waiting on.
func (d *Dispatcher) reportAbort(ctx context.Context, reason string) {
	d.reporter.Failed(ctx, OperationSoftwareList, reason)
	d.reporter.Failed(ctx, OperationSoftwareUpdate, reason)
}

func logProgress(ctx context.Context) func(AppliedItem) {
	logger := zerolog.Ctx(ctx)
	return func(item AppliedItem) {
		ev := logger.Info()
		if !item.OK() {
			ev = logger.Warn().Err(item.Err)
		}
		ev.Str("item", item.Name).
			Str("version", item.Version).
			Str("action", item.Action.String()).
			Msg("software item processed")
	}
}
