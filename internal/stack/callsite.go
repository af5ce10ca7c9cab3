package stack

// CallSite is one qualified frame of a captured thread dump.
type CallSite struct {
	Package string
	Class   string
	Method  string
}

// ClusterKey identifies the package+class a call site belongs to.
func (c CallSite) ClusterKey() string {
	return c.Package + "." + c.Class
}

// MethodKey identifies the call site itself.
func (c CallSite) MethodKey() string {
	return c.ClusterKey() + "." + c.Method
}

// Alias is the short display label of the method: class.method
func (c CallSite) Alias() string {
	return c.Class + "." + c.Method
}

func (c CallSite) String() string {
	return c.MethodKey()
}
