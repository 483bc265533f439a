// Package stack composes staged units into a deployable stack.
//
// A Stack owns one reconciliation engine and an ordered list of units.
// Resources compile a declaration, stage it in the engine and run a full
// change set cycle, so a resource committed early can be used (through its
// physical id) by tasks registered after it:
//
//	s := stack.New("Alpha", backend,
//	    stack.WithObjectStore(store),
//	    stack.WithSetup(func(ctx context.Context, s *stack.Stack) error {
//	        site := stack.NewBucket(s, "Site", map[string]interface{}{"versioned": true})
//	        stack.NewTask(s, "upload", func(ctx context.Context) error {
//	            return store.PutObject(ctx, site.PhysicalID(), "index.html", page)
//	        })
//	        return nil
//	    }),
//	)
//	err := s.Commit(ctx)
//
// Registration order is commit order. Nothing is inferred from references
// between units.
package stack
