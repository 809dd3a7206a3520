// Package imageplan runs package transactions against an image.
//
// A Transaction collects one plan per package, evaluates them together and
// executes them in lockstep: every plan finishes a phase before any plan
// starts the next one. Service actuators recorded on the evaluated actions
// bracket execution, an optional policy gate may refuse the transaction and
// an optional history records its progress.
//
//	tx := imageplan.New(img, imageplan.WithHistory(store))
//	if err := tx.Install(f, m); err != nil {
//		return err
//	}
//	if err := tx.Evaluate(ctx, nil); err != nil {
//		return err
//	}
//	return tx.Execute(ctx)
package imageplan
