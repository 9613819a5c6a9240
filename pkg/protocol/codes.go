package protocol

// Command is a single-octet protocol opcode (spec.md §3).
type Command byte

const (
	CommandOpenFile              Command = 0x11
	CommandExitFile              Command = 0x12
	CommandWriteFile             Command = 0x13
	CommandReadFile              Command = 0x14
	CommandSetLinkedFilename     Command = 0x15
	CommandExecuteFile           Command = 0x18
	CommandGetMetadataByFilename Command = 0x19
	CommandExtended              Command = 0x56
	CommandGetSystemVersion      Command = 0xA4
)

// ExtendedCommand is the opcode carried inside an Extended envelope.
// Most values reuse Command's numbering; SwitchChannel has no simple-
// frame analogue so it is only ever seen here.
type ExtendedCommand byte

const (
	ExtCommandOpenFile              ExtendedCommand = ExtendedCommand(CommandOpenFile)
	ExtCommandExitFile              ExtendedCommand = ExtendedCommand(CommandExitFile)
	ExtCommandWriteFile             ExtendedCommand = ExtendedCommand(CommandWriteFile)
	ExtCommandReadFile              ExtendedCommand = ExtendedCommand(CommandReadFile)
	ExtCommandSetLinkedFilename     ExtendedCommand = ExtendedCommand(CommandSetLinkedFilename)
	ExtCommandGetMetadataByFilename ExtendedCommand = ExtendedCommand(CommandGetMetadataByFilename)
	ExtCommandSwitchChannel         ExtendedCommand = 0x10
)

// AckCode is the single-octet response status in an extended frame.
type AckCode byte

const AckSuccess AckCode = 0x76

// NackKind names one of the 13 defined NACK reasons in [0xCE, 0xDB]
// (0xCF has none; see nackByAck).
type NackKind int

const (
	NackCrcError NackKind = iota
	NackPayloadShort
	NackTransferSizeTooLarge
	NackProgramCrcFailed
	NackProgramFileError
	NackUninitializedTransfer
	NackInitializationInvalid
	NackLengthModFourNonZero
	NackAddressNoMatch
	NackDownloadLengthNoMatch
	NackDirectoryNoExist
	NackNoFileRoom
	NackFileAlreadyExists
)

func (k NackKind) String() string {
	switch k {
	case NackCrcError:
		return "crc_error"
	case NackPayloadShort:
		return "payload_short"
	case NackTransferSizeTooLarge:
		return "transfer_size_too_large"
	case NackProgramCrcFailed:
		return "program_crc_failed"
	case NackProgramFileError:
		return "program_file_error"
	case NackUninitializedTransfer:
		return "uninitialized_transfer"
	case NackInitializationInvalid:
		return "initialization_invalid"
	case NackLengthModFourNonZero:
		return "length_not_multiple_of_four"
	case NackAddressNoMatch:
		return "address_mismatch"
	case NackDownloadLengthNoMatch:
		return "download_length_mismatch"
	case NackDirectoryNoExist:
		return "directory_missing"
	case NackNoFileRoom:
		return "no_file_room"
	case NackFileAlreadyExists:
		return "file_already_exists"
	default:
		return "unknown_nack"
	}
}

// nackByAck maps the device's raw ack byte to a named NACK reason.
// 0xCF has no assigned reason on real hardware (confirmed against the
// original implementation this protocol was distilled from, which
// likewise leaves a gap between 0xCE and 0xD0) — it surfaces as
// KindUnknownAck like any other undefined byte, not as a NACK.
var nackByAck = map[AckCode]NackKind{
	0xCE: NackCrcError,
	0xD0: NackPayloadShort,
	0xD1: NackTransferSizeTooLarge,
	0xD2: NackProgramCrcFailed,
	0xD3: NackProgramFileError,
	0xD4: NackUninitializedTransfer,
	0xD5: NackInitializationInvalid,
	0xD6: NackLengthModFourNonZero,
	0xD7: NackAddressNoMatch,
	0xD8: NackDownloadLengthNoMatch,
	0xD9: NackDirectoryNoExist,
	0xDA: NackNoFileRoom,
	0xDB: NackFileAlreadyExists,
}

// classifyAck turns a raw ack byte into success, a known NACK, or
// KindUnknownAck.
func classifyAck(ack AckCode) error {
	if ack == AckSuccess {
		return nil
	}
	if ack >= 0xCE && ack <= 0xDB {
		if kind, ok := nackByAck[ack]; ok {
			return errNack(kind)
		}
	}
	return errUnknownAck(ack)
}

// FileTarget is where file content lives on the device (spec.md §3).
type FileTarget byte

const (
	FileTargetDDR    FileTarget = 0
	FileTargetFlash  FileTarget = 1
	FileTargetScreen FileTarget = 2
)

// VID namespaces a file's vendor id on the device filesystem.
type VID byte

const (
	VIDUser   VID = 1
	VIDSystem VID = 15
	VIDRMS    VID = 16
	VIDPROS   VID = 24
	VIDMW     VID = 32
)

// FileFunction is upload vs. download. OpenFile carries it in its own
// byte, alongside FileTarget, ahead of the options byte.
type FileFunction byte

const (
	FileFunctionUpload   FileFunction = 1
	FileFunctionDownload FileFunction = 2
)

// overwriteBit is OR-folded into the options byte when a transfer is
// allowed to replace an existing file.
const overwriteBit = 0x01

// PackOptions builds the options byte OpenFile expects. Only the
// overwrite bit is folded in; fn does not affect the result, since
// function and target travel in their own OpenFile payload bytes.
func PackOptions(fn FileFunction, overwrite bool) byte {
	opt := byte(0)
	if overwrite {
		opt |= overwriteBit
	}
	return opt
}

// Disposition is the single octet ExitFile sends (spec.md §3).
type Disposition byte

const (
	DispositionDoNothing     Disposition = 0b00
	DispositionRunProgram    Disposition = 0b01
	DispositionShowRunScreen Disposition = 0b11
)

// Channel is a controller radio mode (spec.md §3).
type Channel byte

const (
	ChannelPit      Channel = 0
	ChannelDownload Channel = 1
	ChannelUpload   Channel = 2
)

// ControllerFlags are bit flags in a V5DeviceVersion product field.
type ControllerFlags byte

const (
	ControllerCableTethered ControllerFlags = 0x01
	ControllerWireless      ControllerFlags = 0x02
)

// ProductKind distinguishes a Brain from a Controller in a Version.
type ProductKind int

const (
	ProductBrain ProductKind = iota
	ProductController
)

// Version is the five-octet firmware version plus product
// discriminator described in spec.md §3.
type Version struct {
	Major, Minor, Build, Beta, BuildMeta byte
	Product                              ProductKind
	ControllerFlags                      ControllerFlags
}

// IsWirelessController reports whether this version describes a
// controller connected over radio rather than by cable or directly as
// a brain, matching the original `is_wireless` check.
func (v Version) IsWirelessController() bool {
	return v.Product == ProductController && v.ControllerFlags&ControllerWireless != 0
}
