package cyphal

/// Parameter ranges are inclusive; the lower bound is zero for all. See the Cyphal Specification for background.
const (
	SubjectIDMax        = 8191
	ServiceIDMax        = 511
	CANNodeIDMax        = 127
	UDPNodeIDMax        = 65534
	PriorityMax         = 7
	CANTransferIDBits   = 5
	CANTransferIDModulo = 1 << CANTransferIDBits
)

// Extended CAN ID field flags.
const (
	flagServiceNotMessage  = 1 << 25
	flagAnonymousMessage   = 1 << 24
	flagRequestNotResponse = 1 << 24
	flagReserved23         = 1 << 23
	flagReserved07         = 1 << 7
)

// Tail byte bits of a Cyphal/CAN frame.
const (
	tailStartOfTransfer = 128
	tailEndOfTransfer   = 64
	tailToggle          = 32

	// Non-last frames of a multi-frame transfer must utilize the MTU fully.
	mftNonLastFramePayloadMin = 7
)

// Extended CAN ID bit offsets.
const (
	offsetPriority  = 26
	offsetSubjectID = 8
	offsetServiceID = 14
	offsetDstNodeID = 7
)

const (
	canExtIDMask = (1 << 29) - 1

	// Classic CAN and CAN FD frame payload limits, including the tail byte.
	MTUCANClassic = 8
	MTUCANFD      = 64
)

// canDLCToLength maps a CAN data length code to the frame payload length.
var canDLCToLength = [16]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// canLengthToDLC maps a payload length to the smallest DLC that can carry it.
var canLengthToDLC = [65]uint8{
	0, 1, 2, 3, 4, 5, 6, 7, 8, // 0..8
	9, 9, 9, 9, // 9..12
	10, 10, 10, 10, // 13..16
	11, 11, 11, 11, // 17..20
	12, 12, 12, 12, // 21..24
	13, 13, 13, 13, 13, 13, 13, 13, // 25..32
	14, 14, 14, 14, 14, 14, 14, 14, 14, 14, 14, 14, 14, 14, 14, 14, // 33..48
	15, 15, 15, 15, 15, 15, 15, 15, 15, 15, 15, 15, 15, 15, 15, 15, // 49..64
}
