package mask

// PostgreSQL type OIDs the engine treats as known-text, so a binary-format
// field of one of these types is still decoded rather than passed through
// as opaque (spec.md §9, "Binary-format PG values" — documented extension
// point). Values pulled from the well-known, stable pg_type OID assignments.
const (
	oidBool    = 16
	oidName    = 19
	oidText    = 25
	oidJSON    = 114
	oidBpchar  = 1042
	oidVarchar = 1043
	oidUUID    = 2950
	oidJSONB   = 3802
)

var knownTextOIDs = map[uint32]bool{
	oidBool:    true,
	oidName:    true,
	oidText:    true,
	oidJSON:    true,
	oidBpchar:  true,
	oidVarchar: true,
	oidUUID:    true,
	oidJSONB:   true,
}

// jsonOIDs identifies columns whose value is itself a JSON document, per
// spec.md §4.E step 3 ("upstream type is known-JSON").
var jsonOIDs = map[uint32]bool{
	oidJSON:  true,
	oidJSONB: true,
}

// arrayOIDs maps PG's standard one-dimensional array type OIDs to true; a
// column of one of these types holds an array literal (spec.md §4.E step 4).
// OIDs again come from pg_type's stable, well-known assignments.
var arrayOIDs = map[uint32]bool{
	1000: true, // _bool
	1001: true, // _bytea
	1002: true, // _char
	1005: true, // _int2
	1007: true, // _int4
	1009: true, // _text
	1014: true, // _bpchar
	1015: true, // _varchar
	1016: true, // _int8
	1021: true, // _float4
	1022: true, // _float8
	1182: true, // _date
	1185: true, // _timestamptz
	2951: true, // _uuid
	199:  true, // _json
	3807: true, // _jsonb
}

// IsKnownTextOID reports whether a PG type OID is safe to decode as UTF-8
// text even when the column's format code is binary.
func IsKnownTextOID(oid uint32) bool { return knownTextOIDs[oid] }

// IsJSONOID reports whether a PG type OID denotes a JSON document.
func IsJSONOID(oid uint32) bool { return jsonOIDs[oid] }

// IsArrayOID reports whether a PG type OID denotes a one-dimensional array.
func IsArrayOID(oid uint32) bool { return arrayOIDs[oid] }
