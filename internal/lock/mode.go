package lock

// A LockMode is one of the standard multi-granularity lock modes used by
// the lock manager to arbitrate access to a database, table or row.
type LockMode int

const (
	// Free means no lock is held.
	Free LockMode = iota
	// IS is an intention-share lock: the holder intends to take S locks
	// on some descendant of the object (e.g. rows of a table).
	IS
	// IX is an intention-exclusive lock: the holder intends to take X
	// locks on some descendant of the object.
	IX
	// S is a shared lock.
	S
	// SIX is simultaneous share and intention-exclusive: the holder reads
	// the whole object and intends to exclusively lock some descendants.
	SIX
	// X is an exclusive lock.
	X
)

func (m LockMode) String() string {
	switch m {
	case Free:
		return "FREE"
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case X:
		return "X"
	default:
		return "UNKNOWN"
	}
}

// compatibility is the standard multi-granularity lock compatibility
// matrix: compatibility[a][b] is true if a lock held in mode a does not
// conflict with a concurrently granted lock in mode b.
var compatibility = [6][6]bool{
	//        Free  IS    IX    S     SIX   X
	Free: {true, true, true, true, true, true},
	IS:   {true, true, true, true, true, false},
	IX:   {true, true, true, false, false, false},
	S:    {true, true, false, true, false, false},
	SIX:  {true, true, false, false, false, false},
	X:    {true, false, false, false, false, false},
}

// IsCompatibleWith returns true if a lock held in mode m can coexist with
// a lock held in mode other on the same object.
func (m LockMode) IsCompatibleWith(other LockMode) bool {
	return compatibility[m][other]
}

// upgrade gives, for any pair of modes simultaneously held on behalf of a
// group, the single mode that supersedes both.
var upgrade = [6][6]LockMode{
	Free: {Free, IS, IX, S, SIX, X},
	IS:   {IS, IS, IX, S, SIX, X},
	IX:   {IX, IX, IX, SIX, SIX, X},
	S:    {S, S, SIX, S, SIX, X},
	SIX:  {SIX, SIX, SIX, SIX, SIX, X},
	X:    {X, X, X, X, X, X},
}

// MaxMode returns the weakest mode that is at least as strong as both a
// and b. It is used to recompute a lock group's effective mode whenever a
// request is granted or released.
func MaxMode(a, b LockMode) LockMode {
	return upgrade[a][b]
}
