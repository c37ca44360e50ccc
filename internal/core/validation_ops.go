package core

import (
	"context"
	"time"

	"stepcore/pkg/sdai"
)

// ValidateReferenceDomain checks that every entity reference held by an
// instance of the associated models points into an associated model.
func (si *SchemaInstance) ValidateReferenceDomain(ctx context.Context, tx *Transaction, opts ...ValidationOption) (*ValidationRecord, error) {
	return si.runCheck(ctx, tx, CheckReferenceDomain, false, opts)
}

// ValidateReferenceDomainAsync is the chunked concurrent variant of
// ValidateReferenceDomain.
func (si *SchemaInstance) ValidateReferenceDomainAsync(ctx context.Context, tx *Transaction, opts ...ValidationOption) (*ValidationRecord, error) {
	return si.runCheck(ctx, tx, CheckReferenceDomain, true, opts)
}

// ValidateGlobalRules evaluates every global rule of the native schema once
// against the whole population.
func (si *SchemaInstance) ValidateGlobalRules(ctx context.Context, tx *Transaction, opts ...ValidationOption) (*ValidationRecord, error) {
	return si.runCheck(ctx, tx, CheckGlobalRules, false, opts)
}

// ValidateGlobalRulesAsync evaluates global rules concurrently.
func (si *SchemaInstance) ValidateGlobalRulesAsync(ctx context.Context, tx *Transaction, opts ...ValidationOption) (*ValidationRecord, error) {
	return si.runCheck(ctx, tx, CheckGlobalRules, true, opts)
}

// ValidateUniquenessRules checks every uniqueness rule over its extent.
func (si *SchemaInstance) ValidateUniquenessRules(ctx context.Context, tx *Transaction, opts ...ValidationOption) (*ValidationRecord, error) {
	return si.runCheck(ctx, tx, CheckUniquenessRules, false, opts)
}

// ValidateUniquenessRulesAsync checks uniqueness rules concurrently.
func (si *SchemaInstance) ValidateUniquenessRulesAsync(ctx context.Context, tx *Transaction, opts ...ValidationOption) (*ValidationRecord, error) {
	return si.runCheck(ctx, tx, CheckUniquenessRules, true, opts)
}

// ValidateWhereRules evaluates the where rules of every complex entity and
// merges results per ENTITY.LABEL.
func (si *SchemaInstance) ValidateWhereRules(ctx context.Context, tx *Transaction, opts ...ValidationOption) (*ValidationRecord, error) {
	return si.runCheck(ctx, tx, CheckWhereRules, false, opts)
}

// ValidateWhereRulesAsync evaluates where rules concurrently.
func (si *SchemaInstance) ValidateWhereRulesAsync(ctx context.Context, tx *Transaction, opts ...ValidationOption) (*ValidationRecord, error) {
	return si.runCheck(ctx, tx, CheckWhereRules, true, opts)
}

// PerformValidateSchemaInstance runs the reference-domain, global,
// uniqueness and where checks in that order, caches every record and
// recomputes the validation result as their AND. Checks run with the
// concurrent variants; a cancelled run leaves the result UNKNOWN and the
// validation not current.
func (si *SchemaInstance) PerformValidateSchemaInstance(ctx context.Context, tx *Transaction, opts ...ValidationOption) (sdai.Logical, error) {
	s, err := si.prepareValidation(tx, "validate schema instance")
	if err != nil {
		return sdai.Unknown, err
	}
	started := time.Now()
	result := sdai.True
	complete := true
	for _, check := range []string{CheckReferenceDomain, CheckGlobalRules, CheckUniquenessRules, CheckWhereRules} {
		rec, err := si.runCheck(ctx, tx, check, true, opts)
		if err != nil {
			s.metrics.Observe(ctx, OpValidateWhole, false, time.Since(started))
			return sdai.Unknown, err
		}
		result = result.And(rec.Result)
		complete = complete && rec.Complete
	}
	if !complete {
		result = sdai.Unknown
	}
	now := time.Now().UTC()
	fp := si.fingerprintNow()
	si.mutate(func(st *schemaInstanceState) {
		st.result = result
		st.validated = complete
		st.validationDate = now
		st.fingerprint = fp
		if complete {
			st.validationLevel = 1
		} else {
			st.validationLevel = 0
		}
	})
	s.metrics.Observe(ctx, OpValidateWhole, complete, time.Since(started))
	s.logger.Info("schema instance validated",
		"schema_instance", si.Name(), "result", result.String(), "complete", complete)
	return result, nil
}

func (si *SchemaInstance) prepareValidation(tx *Transaction, op string) (*Session, error) {
	if tx == nil {
		return nil, sdai.NewError(sdai.TransactionNotExist, "%s: no transaction", op)
	}
	s := tx.session
	if err := tx.checkActive(op); err != nil {
		return nil, err
	}
	if !tx.allowsSchemaInstanceEdits() {
		return nil, s.raiseErrorAndContinue(op, sdai.NewError(sdai.TransactionNotRW, "%s: transaction is read-only", op))
	}
	if si.repo.Session() != s || !si.repo.IsOpen() {
		return nil, s.raiseErrorAndContinue(op, sdai.NewError(sdai.RepositoryNotOpen, "%s: repository %s not open", op, si.repo.Name()))
	}
	if _, ok := si.repo.SchemaInstance(si.id); !ok {
		return nil, s.raiseErrorAndContinue(op, sdai.NewError(sdai.SchemaInstanceNotExist, "%s: %s deleted", op, si.Name()))
	}
	tx.promoteSchemaInstance(si)
	return s, nil
}

func (si *SchemaInstance) runCheck(ctx context.Context, tx *Transaction, check string, concurrent bool, opts []ValidationOption) (*ValidationRecord, error) {
	s, err := si.prepareValidation(tx, check)
	if err != nil {
		return nil, err
	}
	settings := settingsFrom(append([]ValidationOption{WithValidationMonitor(s.monitor)}, opts...))
	run := newValidationRun(check, s.cfg, settings)
	d := si.domain(s)
	switch check {
	case CheckReferenceDomain:
		runItems(ctx, run, d.All(), concurrent, d.checkReferenceDomain)
	case CheckGlobalRules:
		runItems(ctx, run, si.schema.GlobalRules, concurrent, d.checkGlobalRule)
	case CheckUniquenessRules:
		runItems(ctx, run, d.uniquenessItems(), concurrent, d.checkUniqueness)
	case CheckWhereRules:
		runItems(ctx, run, d.whereCandidates(s.cfg), concurrent, d.checkWhereRules)
	}
	rec := run.finish()
	si.mutate(func(st *schemaInstanceState) {
		switch check {
		case CheckReferenceDomain:
			st.referenceRecord = rec
		case CheckGlobalRules:
			st.globalRecord = rec
		case CheckUniquenessRules:
			st.uniquenessRecord = rec
		case CheckWhereRules:
			st.whereRecord = rec
		}
	})
	s.metrics.ObserveValidation(check, rec.Result, rec.Complete, time.Since(run.started))
	s.logger.Debug("validation check finished",
		"check", check, "schema_instance", si.Name(), "items", rec.Items,
		"result", rec.Result.String(), "complete", rec.Complete)
	return rec, nil
}
