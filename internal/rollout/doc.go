// Package rollout replaces secrets and configs that running services
// depend on.
//
// Swarm objects are immutable and the daemon refuses to remove one that a
// service references, so an update is a sequence of object creations,
// service spec updates and removals. The Updater picks one of three
// strategies:
//
//   - replace: nothing references the object; remove it and create it
//     again, under the new name if one was given.
//   - rename: a referenced object gets a new name; create the new object, repoint
//     services to it, wait for them to converge, remove the old one.
//   - rolling: the object keeps its name; create a temporary copy with the
//     new payload, repoint services to it, remove and recreate the
//     original, repoint services back and remove the temporary copy.
//
// Each phase transition is written to a journal.Journal before the next
// step starts, so a rollout interrupted by a crash or a failed daemon call
// can be resumed with Resume. Failures before the original object is
// removed are rolled back when Options.Rollback is set; after that point
// the only safe direction is forward.
package rollout
