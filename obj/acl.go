package obj

import "sort"

import "kiwi/defs"

// Acltype_t classifies one ACL entry.
type Acltype_t uint8

const (
	ACL_USER Acltype_t = iota
	ACL_GROUP
	ACL_OTHERS
	ACL_SESSION
	ACL_CAPABILITY
	acl_ntypes
)

// Aclent_t grants rights to whatever value names under the entry type.
// Value -1 on user/group entries means the object's owning user/group.
type Aclent_t struct {
	Type   Acltype_t
	Value  int64
	Rights defs.Rights_t
}

// Acl_t is a list of entries; keep them canonical via Canonical.
type Acl_t []Aclent_t

// Ident_t is the caller's security identity.
type Ident_t struct {
	Uid     defs.Uid_t
	Gids    []defs.Gid_t
	Session int64
	Caps    []int64
}

func (e Aclent_t) valid() bool {
	if e.Type >= acl_ntypes {
		return false
	}
	if e.Type == ACL_OTHERS && e.Value != 0 {
		return false
	}
	if (e.Type == ACL_SESSION || e.Type == ACL_CAPABILITY) && e.Value < 0 {
		return false
	}
	return true
}

// Canonical drops invalid entries and merges duplicates (same type and
// value) by or-ing their rights, returning a sorted list.
func (a Acl_t) Canonical() Acl_t {
	type key struct {
		t Acltype_t
		v int64
	}
	merged := map[key]defs.Rights_t{}
	for _, e := range a {
		if !e.valid() {
			continue
		}
		merged[key{e.Type, e.Value}] |= e.Rights
	}
	ret := make(Acl_t, 0, len(merged))
	for k, r := range merged {
		ret = append(ret, Aclent_t{Type: k.t, Value: k.v, Rights: r})
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Type != ret[j].Type {
			return ret[i].Type < ret[j].Type
		}
		return ret[i].Value < ret[j].Value
	})
	return ret
}

func (id *Ident_t) ingroup(g int64) bool {
	for _, x := range id.Gids {
		if int64(x) == g {
			return true
		}
	}
	return false
}

func (id *Ident_t) hascap(c int64) bool {
	for _, x := range id.Caps {
		if x == c {
			return true
		}
	}
	return false
}

// compute walks one ACL. In exclusive mode the user/group/others
// classes are mutually exclusive with user before group before others,
// as a user-managed ACL behaves; otherwise every matching class entry
// contributes, as the system ACL does. Session and capability entries
// always accumulate.
func (a Acl_t) compute(o *Object_t, id *Ident_t, exclusive bool) defs.Rights_t {
	var r defs.Rights_t
	var urights, grights, orights defs.Rights_t
	var umatch, gmatch bool
	for _, e := range a {
		switch e.Type {
		case ACL_USER:
			v := e.Value
			if v == -1 {
				v = int64(o.Owner)
			}
			if int64(id.Uid) == v {
				umatch = true
				urights |= e.Rights
			}
		case ACL_GROUP:
			v := e.Value
			if v == -1 {
				v = int64(o.Group)
			}
			if id.ingroup(v) {
				gmatch = true
				grights |= e.Rights
			}
		case ACL_OTHERS:
			orights |= e.Rights
		case ACL_SESSION:
			if id.Session == e.Value {
				r |= e.Rights
			}
		case ACL_CAPABILITY:
			if id.hascap(e.Value) {
				r |= e.Rights
			}
		}
	}
	if exclusive {
		if umatch {
			r |= urights
		} else if gmatch {
			r |= grights
		} else {
			r |= orights
		}
	} else {
		r |= urights | grights | orights
	}
	return r
}

// Rights computes id's effective rights on o from both ACLs. An object
// with neither ACL grants everything to its owner and nothing else.
func (o *Object_t) Rights(id *Ident_t) defs.Rights_t {
	o.Lock()
	uacl, sacl := o.Uacl, o.Sacl
	o.Unlock()
	if uacl == nil && sacl == nil {
		if id.Uid == o.Owner {
			return defs.RIGHT_READ | defs.RIGHT_WRITE |
				defs.RIGHT_EXECUTE | defs.RIGHT_DESTROY |
				defs.RIGHT_OWNER
		}
		return 0
	}
	r := uacl.compute(o, id, true)
	r |= sacl.compute(o, id, false)
	return r
}

// Set_acl replaces one of the object's ACLs, canonicalising it.
// Changing ACLs needs the owner right.
func (o *Object_t) Set_acl(id *Ident_t, system bool, a Acl_t) defs.Err_t {
	if id.Uid != o.Owner && o.Rights(id)&defs.RIGHT_OWNER == 0 {
		return -defs.EACCES
	}
	c := a.Canonical()
	o.Lock()
	if system {
		o.Sacl = c
	} else {
		o.Uacl = c
	}
	o.Unlock()
	return 0
}
