package yolov3

// TrainConfig is the training graph: raw conv outputs plus per-scale decoded boxes.
func TrainConfig(p Profile) Config {
	cfg := DefaultConfig()
	cfg.Profile = p
	cfg.Mode = ModeTrain
	cfg.Training = true
	return cfg
}

// FlattenConfig is the exporter-friendly graph emitting all decoded rows at once.
func FlattenConfig(p Profile) Config {
	cfg := DefaultConfig()
	cfg.Profile = p
	cfg.Mode = ModeFlatten
	return cfg
}

// NMSConfig is the deployment graph ending in thresholding and NMS. The slim head
// suppresses more aggressively.
func NMSConfig(p Profile) Config {
	cfg := DefaultConfig()
	cfg.Profile = p
	cfg.Mode = ModeNMS
	if p == ProfileSlim {
		cfg.NMSThreshold = 0.45
	}
	return cfg
}

// DynamicConfig is the weight-bundle driven head. flatten selects the flattened
// output over the NMS output.
func DynamicConfig(p Profile, flatten bool) Config {
	var cfg Config
	if flatten {
		cfg = FlattenConfig(p)
	} else {
		cfg = NMSConfig(p)
		cfg.NMSThreshold = 0.5
	}
	cfg.Dynamic = true
	return cfg
}
