package reactivedb

// CollectionOption configures a Collection at construction time.
type CollectionOption func(*Collection)

// WithName sets the collection's name, used in debug events and log
// fields.
func WithName(name string) CollectionOption {
	return func(c *Collection) { c.name = name }
}

// WithMemory seeds the collection with an initial document set, cloned on
// entry so the caller's slice is never aliased.
func WithMemory(docs []Document) CollectionOption {
	return func(c *Collection) { c.docs = cloneList(docs) }
}

// WithIndices requests secondary indices on the given fields, built once
// the initial document set (from WithMemory, if any) is in place.
func WithIndices(fields ...string) CollectionOption {
	return func(c *Collection) {
		for _, f := range fields {
			c.registry.CreateIndex(f, c.docs)
		}
	}
}

// WithPrimaryKeyGenerator overrides the default ObjectID-hex id generator.
func WithPrimaryKeyGenerator(gen PrimaryKeyGenerator) CollectionOption {
	return func(c *Collection) { c.pkGen = gen }
}

// WithValidate installs a hook run before insert/update/replace persist a
// document; a non-nil error aborts the write with ErrValidation.
func WithValidate(fn func(Document) error) CollectionOption {
	return func(c *Collection) { c.validate = fn }
}

// WithTransform installs the default per-document transform applied by
// every cursor that doesn't specify its own.
func WithTransform(fn func(Document) Document) CollectionOption {
	return func(c *Collection) { c.transform = fn }
}

// WithTransformAll installs the default whole-result transform applied by
// every cursor that doesn't specify its own.
func WithTransformAll(fn func([]Document, map[string]int) []Document) CollectionOption {
	return func(c *Collection) { c.transformAll = fn }
}

// WithDebugMode enables call-site-tagged _debug events alongside every
// other emitted event.
func WithDebugMode(enabled bool) CollectionOption {
	return func(c *Collection) { c.debug = enabled }
}

// WithHotFieldTracking enables tracking of which un-indexed selector
// fields are queried most often, surfaced via Collection.HotFields as a
// hint for which CreateIndex calls would pay off. maxHot bounds how many
// fields the hot set (and so HotFields) holds at once; every queried field
// keeps a record until decay drops it. decayFactor (0,1) discounts older access
// patterns each time DecayHotFields is called.
func WithHotFieldTracking(maxHot int, decayFactor float64) CollectionOption {
	return func(c *Collection) { c.hotFields = newFieldAccessTracker(maxHot, decayFactor) }
}

// WithReactivity installs the Reactivity implementation a field-tracking
// reactive cursor (FindOptions.Reactive + FieldTracking) uses to create
// per-(document id, field) Dependency keys. Without this option, field
// tracking is inert: the collection falls back to the default no-op
// Reactivity, and Observe relies solely on its collection-wide mutation
// subscription.
func WithReactivity(r Reactivity) CollectionOption {
	return func(c *Collection) { c.reactivity = r }
}

// WithPersistence attaches a PersistenceAdapter. NewCollection starts the
// adapter's load in the background and returns while the collection is
// still Initializing; persistence.init is emitted once it is Ready.
func WithPersistence(adapter PersistenceAdapter) CollectionOption {
	return func(c *Collection) { c.persistence = newPersistenceState(adapter) }
}
