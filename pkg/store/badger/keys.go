package badger

import (
	"strconv"
	"strings"
)

// Database Key Namespace Design
// ==============================
//
// BadgerDB is a key-value store, so we use prefixed keys to organize the four
// record collections into logical namespaces. This design:
//   - Prevents key collisions between collections
//   - Enables efficient range scans (all files of one owner, all sessions)
//   - Makes the database structure self-documenting
//
// Key Namespace Prefixes:
//
// Collection    Prefix   Key Format                    Value Type
// =============================================================================
// Users         "u:"     u:<username>                  User (JSON)
// File Index    "f:"     f:<owner>/<path>              FileRecord (JSON)
// Sessions      "s:"     s:<sessionID>                 Session (JSON)
// Action Log    "l:"     l:<seq, 20-digit zero-pad>    LogEntry (JSON)
//
// Rationale:
//
// 1. Users (u:)
//    - Point lookup by username: O(1)
//    - Usernames cannot contain "/" (validated at registration), so the key
//      space is flat
//
// 2. File Index (f:)
//    - Key embeds the owner followed by the relative path, so a range scan
//      over "f:<owner>/" yields exactly that owner's records - this backs
//      quota aggregation and directory-prefix delete/rename
//    - Per-record upsert is a single Set inside one transaction
//
// 3. Sessions (s:)
//    - Point lookup by session id; activity counting is a prefix scan,
//      acceptable because sessions are few and short-lived records
//
// 4. Action Log (l:)
//    - Keys carry a monotonically increasing sequence number padded to a
//      fixed width so lexicographic order equals append order
//    - Entries are write-only from the server's point of view

const (
	prefixUser    = "u:"
	prefixFile    = "f:"
	prefixSession = "s:"
	prefixLog     = "l:"
)

func keyUser(username string) []byte {
	return []byte(prefixUser + username)
}

func keyFile(owner, path string) []byte {
	return []byte(prefixFile + owner + "/" + path)
}

// keyFileOwnerScan returns the prefix covering all file records of one owner.
func keyFileOwnerScan(owner string) []byte {
	return []byte(prefixFile + owner + "/")
}

func keySession(id string) []byte {
	return []byte(prefixSession + id)
}

func keyLog(seq uint64) []byte {
	return []byte(prefixLog + leftPad(strconv.FormatUint(seq, 10), 20))
}

func leftPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// filePathFromKey strips the "f:<owner>/" prefix from a scanned key,
// returning the record path.
func filePathFromKey(key []byte, owner string) string {
	return string(key[len(prefixFile)+len(owner)+1:])
}
