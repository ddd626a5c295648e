package s3

import (
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/scttfrdmn/cargoship/pkg/aws/config"
)

// Storage tiers accepted in Config.StorageTier.
const (
	TierStandard          = "STANDARD"
	TierStandardIA        = "STANDARD_IA"
	TierOneZoneIA         = "ONEZONE_IA"
	TierReducedRedundancy = "REDUCED_REDUNDANCY"
	TierGlacierIR         = "GLACIER_IR"
	TierIntelligent       = "INTELLIGENT_TIERING"
)

// Archive tiers are left out: objects behind a projection must be readable
// without a restore.
var tiers = map[string]bool{
	TierStandard:          true,
	TierStandardIA:        true,
	TierOneZoneIA:         true,
	TierReducedRedundancy: true,
	TierGlacierIR:         true,
	TierIntelligent:       true,
}

// ValidTier reports whether tier can back a projection.
func ValidTier(tier string) bool {
	return tiers[tier]
}

// storageClass converts a tier to the SDK storage class.
func storageClass(tier string) types.StorageClass {
	switch tier {
	case TierStandardIA:
		return types.StorageClassStandardIa
	case TierOneZoneIA:
		return types.StorageClassOnezoneIa
	case TierReducedRedundancy:
		return types.StorageClassReducedRedundancy
	case TierGlacierIR:
		return types.StorageClassGlacierIr
	case TierIntelligent:
		return types.StorageClassIntelligentTiering
	default:
		return types.StorageClassStandard
	}
}

// cargoClass converts a tier to the CargoShip storage class.
func cargoClass(tier string) config.StorageClass {
	switch tier {
	case TierStandardIA:
		return config.StorageClassStandardIA
	case TierOneZoneIA:
		return config.StorageClassOneZoneIA
	case TierGlacierIR:
		// CargoShip has no instant-retrieval class.
		return config.StorageClassGlacier
	case TierIntelligent:
		return config.StorageClassIntelligentTiering
	default:
		return config.StorageClassStandard
	}
}
