package message

// CloneOptions deep-clones opts: it allocates one contiguous backing array
// holding every option's bytes and returns a fresh Options slice whose
// entries reference that array, so the clone is independent of whatever
// buffer the original options pointed into (spec.md §4.8). There is nothing
// for the caller to release explicitly; ownership passes with the returned
// slice.
func CloneOptions(opts Options) Options {
	total := 0
	for _, o := range opts {
		total += len(o.Value)
	}
	arena := make([]byte, 0, total)
	out := make(Options, len(opts))
	for i, o := range opts {
		start := len(arena)
		arena = append(arena, o.Value...)
		out[i] = Option{Number: o.Number, UintValue: o.UintValue, Value: arena[start:len(arena):len(arena)]}
	}
	return out
}
