package fs

// Pathparts_t steps through the components of a slash-separated path,
// skipping empty components from repeated slashes.
type Pathparts_t struct {
	path string
	loc  int
}

func (pp *Pathparts_t) Pp_init(path string) {
	pp.path = path
	pp.loc = 0
}

// Next returns the next component and whether one existed.
func (pp *Pathparts_t) Next() (string, bool) {
	ret := ""
	for ret == "" {
		if pp.loc == len(pp.path) {
			return "", false
		}
		ret = pp.path[pp.loc:]
		nloc := pp.loc
		for nloc < len(pp.path) && pp.path[nloc] != '/' {
			nloc++
		}
		ret = pp.path[pp.loc:nloc]
		pp.loc = nloc + 1
		if nloc == len(pp.path) {
			pp.loc = nloc
		}
	}
	return ret, true
}

// Sdirname splits path into (dirname, filename). Trailing slashes
// belong to no component.
func Sdirname(path string) (string, string) {
	fn := path
	l := len(fn)
	// strip trailing slashes
	for l > 1 && fn[l-1] == '/' {
		fn = fn[:l-1]
		l--
	}
	s := ""
	for i := l - 1; i >= 0; i-- {
		if fn[i] == '/' {
			// slashes terminate the dir part
			s = fn[:i]
			if s == "" {
				s = "/"
			}
			fn = fn[i+1:]
			break
		}
	}
	return s, fn
}

// Bpath_validate rejects empty paths and components longer than the
// name limit.
func Bpath_validate(path string) bool {
	if len(path) == 0 {
		return false
	}
	pp := Pathparts_t{}
	pp.Pp_init(path)
	for cn, ok := pp.Next(); ok; cn, ok = pp.Next() {
		if len(cn) > fnamelen {
			return false
		}
	}
	return true
}

const fnamelen = 255
