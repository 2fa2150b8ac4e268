package corerun

// TagAccessor looks up every definition carrying tagID and returns a
// TagAccessor grouping them by kind. For tasks, TagEntry.Run is a callable
// func(context.Context, any) (any, error) that resolves the task's current
// dependencies and runs it through its middleware chain, the same path
// RunTask drives -- letting generic callers (CLIs, admin tooling, the
// debug tree) invoke a tagged task without knowing its static I/O types.
// For resources, TagEntry.Run is the resource's already-initialized value.
func (rt *Runtime) TagAccessor(tagID string) *TagAccessor {
	members := rt.registry.tagged(tagID)

	configFor := func(def Definition) any {
		for _, tag := range def.Tags() {
			if tag.ID() != tagID {
				continue
			}
			ct, ok := tag.(configTag)
			if !ok {
				return nil
			}
			cfg, has := ct.configAny()
			if !has {
				return nil
			}
			return cfg
		}
		return nil
	}

	runtimeFor := func(def Definition) any {
		switch d := def.(type) {
		case erasedTask:
			return rt.taskCallable(d)
		case erasedResource:
			rt.mu.Lock()
			v, ok := rt.resources[d.ID()]
			rt.mu.Unlock()
			if !ok {
				return nil
			}
			return v
		default:
			return nil
		}
	}

	return buildTagAccessor(tagID, members, runtimeFor, configFor)
}
